// Package feed bridges the venue WebSocket clients onto the event bus. Each
// adapter normalizes its venue's wire format into BookSnapshotReceived and
// BookDeltaReceived events keyed by the engine-internal market ID.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/platform/kalshi"
)

// Publisher publishes events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// centsLedger tracks the venue-side contract counts per price level for one
// ticker. Kalshi deltas are relative (contracts added or removed), so the
// absolute size after each delta has to be reconstructed locally.
type centsLedger struct {
	yes    map[int64]int64 // YES bids, keyed by price in cents
	no     map[int64]int64 // NO bids, keyed by price in cents
	synced bool
}

func newCentsLedger() *centsLedger {
	return &centsLedger{
		yes: make(map[int64]int64),
		no:  make(map[int64]int64),
	}
}

// apply adds a relative delta to one side and returns the new absolute size.
// Negative results clamp to zero; the venue is authoritative and a short
// undershoot only means the level is gone.
func (l *centsLedger) apply(side string, priceCents, delta int64) int64 {
	m := l.yes
	if side == "no" {
		m = l.no
	}
	q := m[priceCents] + delta
	if q <= 0 {
		delete(m, priceCents)
		return 0
	}
	m[priceCents] = q
	return q
}

// KalshiFeed subscribes to the Kalshi orderbook stream and republishes it as
// normalized YES-book events. NO bids are folded into the YES ask side: a NO
// bid at p cents is a YES ask at 100-p cents with the same liquidity.
type KalshiFeed struct {
	ws     *kalshi.WSClient
	pub    Publisher
	logger *slog.Logger

	mu       sync.Mutex
	byTicker map[string]string // ticker -> market ID
	ledgers  map[string]*centsLedger
	runCtx   context.Context
}

// NewKalshiFeed creates a feed for the given market pairs.
func NewKalshiFeed(ws *kalshi.WSClient, pub Publisher, pairs []domain.MarketPair, logger *slog.Logger) *KalshiFeed {
	f := &KalshiFeed{
		ws:       ws,
		pub:      pub,
		logger:   logger.With(slog.String("component", "kalshi_feed")),
		byTicker: make(map[string]string, len(pairs)),
		ledgers:  make(map[string]*centsLedger, len(pairs)),
		runCtx:   context.Background(),
	}
	for _, p := range pairs {
		f.byTicker[p.KalshiTicker] = p.ID
		f.ledgers[p.KalshiTicker] = newCentsLedger()
	}
	return f
}

// Attach registers the bus subscriptions the feed reacts to.
func (f *KalshiFeed) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindResyncRequested, "kalshi_feed", f.HandleEvent)
}

// HandleEvent resubscribes the ticker on resync requests; the venue answers
// every subscription with a fresh snapshot.
func (f *KalshiFeed) HandleEvent(ctx context.Context, ev domain.Event) error {
	req, ok := ev.(domain.ResyncRequested)
	if !ok {
		return nil
	}

	f.mu.Lock()
	var ticker string
	for t, id := range f.byTicker {
		if id == req.MarketID {
			ticker = t
			break
		}
	}
	if ticker == "" {
		f.mu.Unlock()
		return nil
	}
	f.ledgers[ticker].synced = false
	f.mu.Unlock()

	return f.ws.Subscribe(ctx, []string{ticker})
}

// Start connects the WebSocket, wires the handlers, and subscribes to every
// configured ticker.
func (f *KalshiFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	f.runCtx = ctx
	tickers := make([]string, 0, len(f.byTicker))
	for t := range f.byTicker {
		tickers = append(tickers, t)
	}
	f.mu.Unlock()

	f.ws.OnSnapshot(f.handleSnapshot)
	f.ws.OnDelta(f.handleDelta)
	f.ws.OnDisconnect(f.handleDisconnect)

	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	if err := f.ws.Subscribe(ctx, tickers); err != nil {
		return err
	}

	f.logger.Info("kalshi feed started", slog.Int("tickers", len(tickers)))
	return nil
}

// Close shuts down the underlying WebSocket.
func (f *KalshiFeed) Close() error {
	return f.ws.Close()
}

func (f *KalshiFeed) handleSnapshot(snap kalshi.WSSnapshot, receivedAt time.Time) {
	f.mu.Lock()
	marketID, ok := f.byTicker[snap.Ticker]
	if !ok {
		f.mu.Unlock()
		return
	}

	ledger := newCentsLedger()
	ledger.synced = true
	f.ledgers[snap.Ticker] = ledger

	bids := make([]domain.PriceLevel, 0, len(snap.YesBids))
	for _, lvl := range snap.YesBids {
		ledger.yes[lvl.PriceCents] = lvl.Quantity
		bids = append(bids, domain.PriceLevel{
			Price: float64(lvl.PriceCents) / 100,
			Size:  float64(lvl.Quantity),
		})
	}

	asks := make([]domain.PriceLevel, 0, len(snap.NoBids))
	for _, lvl := range snap.NoBids {
		ledger.no[lvl.PriceCents] = lvl.Quantity
		asks = append(asks, domain.PriceLevel{
			Price: float64(100-lvl.PriceCents) / 100,
			Size:  float64(lvl.Quantity),
		})
	}
	ctx := f.runCtx
	f.mu.Unlock()

	ev := domain.BookSnapshotReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   marketID,
		Platform:   domain.PlatformKalshi,
		Outcome:    domain.OutcomeYes,
		Bids:       bids,
		Asks:       asks,
		SourceTime: receivedAt,
	}
	if err := f.pub.Publish(ctx, ev); err != nil {
		f.logger.Error("publish snapshot failed",
			slog.String("ticker", snap.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

func (f *KalshiFeed) handleDelta(delta kalshi.WSDelta, receivedAt time.Time) {
	f.mu.Lock()
	marketID, ok := f.byTicker[delta.Ticker]
	ledger := f.ledgers[delta.Ticker]
	if !ok || !ledger.synced {
		// Deltas before the first snapshot (or after a gap) have no base
		// to apply against.
		f.mu.Unlock()
		return
	}

	size := float64(ledger.apply(delta.Side, delta.PriceCents, delta.Delta))

	var side domain.Side
	var price float64
	switch delta.Side {
	case "yes":
		side = domain.SideBuy
		price = float64(delta.PriceCents) / 100
	case "no":
		side = domain.SideSell
		price = float64(100-delta.PriceCents) / 100
	default:
		f.mu.Unlock()
		return
	}
	ctx := f.runCtx
	f.mu.Unlock()

	ev := domain.BookDeltaReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   marketID,
		Platform:   domain.PlatformKalshi,
		Outcome:    domain.OutcomeYes,
		Side:       side,
		Price:      price,
		Size:       size,
		SourceTime: receivedAt,
	}
	if err := f.pub.Publish(ctx, ev); err != nil {
		f.logger.Error("publish delta failed",
			slog.String("ticker", delta.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

// handleDisconnect invalidates every ledger; the reconnect re-subscribes and
// the venue answers with fresh snapshots, which rebuild them.
func (f *KalshiFeed) handleDisconnect() {
	f.mu.Lock()
	for _, l := range f.ledgers {
		l.synced = false
	}
	f.mu.Unlock()
	f.logger.Warn("kalshi feed reconnected, awaiting fresh snapshots")
}
