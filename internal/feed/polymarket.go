package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/platform/polymarket"
)

// tokenRef ties one Polymarket outcome token to its logical market.
type tokenRef struct {
	marketID string
	outcome  domain.Outcome
}

// PolymarketFeed subscribes to the CLOB market channel for every configured
// outcome token and republishes books and level changes as domain events.
// Polymarket sizes are already absolute, so no ledger is needed.
type PolymarketFeed struct {
	ws     *polymarket.WSClient
	pub    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	byToken map[string]tokenRef
	byID    map[string]domain.MarketPair
	runCtx  context.Context
}

// NewPolymarketFeed creates a feed for the given market pairs.
func NewPolymarketFeed(ws *polymarket.WSClient, pub Publisher, pairs []domain.MarketPair, logger *slog.Logger) *PolymarketFeed {
	f := &PolymarketFeed{
		ws:      ws,
		pub:     pub,
		logger:  logger.With(slog.String("component", "polymarket_feed")),
		byToken: make(map[string]tokenRef, 2*len(pairs)),
		byID:    make(map[string]domain.MarketPair, len(pairs)),
		runCtx:  context.Background(),
	}
	for _, p := range pairs {
		f.byToken[p.PolyYesTokenID] = tokenRef{marketID: p.ID, outcome: domain.OutcomeYes}
		f.byToken[p.PolyNoTokenID] = tokenRef{marketID: p.ID, outcome: domain.OutcomeNo}
		f.byID[p.ID] = p
	}
	return f
}

// Attach registers the bus subscriptions the feed reacts to.
func (f *PolymarketFeed) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindResyncRequested, "polymarket_feed", f.HandleEvent)
}

// HandleEvent resubscribes the market's tokens on resync requests; the venue
// answers every subscription with fresh book snapshots.
func (f *PolymarketFeed) HandleEvent(ctx context.Context, ev domain.Event) error {
	req, ok := ev.(domain.ResyncRequested)
	if !ok {
		return nil
	}

	f.mu.Lock()
	pair, ok := f.byID[req.MarketID]
	f.mu.Unlock()
	if !ok {
		return nil
	}

	return f.ws.Subscribe(ctx, []string{pair.PolyYesTokenID, pair.PolyNoTokenID})
}

// Start connects the WebSocket, wires the handlers, and subscribes to every
// configured token.
func (f *PolymarketFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.runCtx = ctx
	tokens := make([]string, 0, len(f.byToken))
	for t := range f.byToken {
		tokens = append(tokens, t)
	}
	f.mu.Unlock()

	f.ws.OnBook(f.handleBook)
	f.ws.OnPriceChange(f.handlePriceChange)
	f.ws.OnDisconnect(f.handleDisconnect)

	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	if err := f.ws.Subscribe(ctx, tokens); err != nil {
		return err
	}

	f.logger.Info("polymarket feed started", slog.Int("tokens", len(tokens)))
	return nil
}

// Close shuts down the underlying WebSocket.
func (f *PolymarketFeed) Close() error {
	return f.ws.Close()
}

func (f *PolymarketFeed) handleBook(book polymarket.WSBook, receivedAt time.Time) {
	f.mu.Lock()
	ref, ok := f.byToken[book.AssetID]
	ctx := f.runCtx
	f.mu.Unlock()
	if !ok {
		return
	}

	bids := make([]domain.PriceLevel, 0, len(book.Bids))
	for _, lvl := range book.Bids {
		p, s := lvl.Floats()
		bids = append(bids, domain.PriceLevel{Price: p, Size: s})
	}
	asks := make([]domain.PriceLevel, 0, len(book.Asks))
	for _, lvl := range book.Asks {
		p, s := lvl.Floats()
		asks = append(asks, domain.PriceLevel{Price: p, Size: s})
	}

	ev := domain.BookSnapshotReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   ref.marketID,
		Platform:   domain.PlatformPolymarket,
		Outcome:    ref.outcome,
		Bids:       bids,
		Asks:       asks,
		SourceTime: receivedAt,
	}
	if err := f.pub.Publish(ctx, ev); err != nil {
		f.logger.Error("publish book failed",
			slog.String("asset_id", book.AssetID),
			slog.String("error", err.Error()),
		)
	}
}

func (f *PolymarketFeed) handlePriceChange(change polymarket.WSPriceChange, receivedAt time.Time) {
	f.mu.Lock()
	ref, ok := f.byToken[change.AssetID]
	ctx := f.runCtx
	f.mu.Unlock()
	if !ok {
		return
	}

	var side domain.Side
	switch change.Side {
	case "BUY":
		side = domain.SideBuy
	case "SELL":
		side = domain.SideSell
	default:
		return
	}

	price, size := change.Floats()

	ev := domain.BookDeltaReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   ref.marketID,
		Platform:   domain.PlatformPolymarket,
		Outcome:    ref.outcome,
		Side:       side,
		Price:      price,
		Size:       size,
		SourceTime: receivedAt,
	}
	if err := f.pub.Publish(ctx, ev); err != nil {
		f.logger.Error("publish price change failed",
			slog.String("asset_id", change.AssetID),
			slog.String("error", err.Error()),
		)
	}
}

// handleDisconnect only logs; the reconnect restores subscriptions and the
// venue re-sends full books, which replace any stale state downstream.
func (f *PolymarketFeed) handleDisconnect() {
	f.logger.Warn("polymarket feed reconnected, awaiting fresh books")
}
