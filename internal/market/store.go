package market

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// DefaultDeltaBuffer bounds per-book buffering of deltas that arrive before
// any snapshot. Past the bound the oldest delta is dropped with a warning.
const DefaultDeltaBuffer = 256

// Publisher is the slice of the bus the store needs to emit book-updated
// events.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Store owns one State per tracked market pair and is the only writer to
// them. It subscribes to snapshot, delta, and resync events; mutations run
// on the bus dispatch goroutine, which gives single-writer-per-market
// discipline for free. Readers get deep-copied views under a read lock.
type Store struct {
	pub    Publisher
	logger *slog.Logger

	bufferBound int

	mu      sync.RWMutex
	states  map[string]*State
	pending map[bookKey][]domain.BookDeltaReceived
}

type bookKey struct {
	marketID string
	platform domain.Platform
	outcome  domain.Outcome
}

// NewStore creates a Store. bufferBound <= 0 uses DefaultDeltaBuffer.
func NewStore(pub Publisher, bufferBound int, logger *slog.Logger) *Store {
	if bufferBound <= 0 {
		bufferBound = DefaultDeltaBuffer
	}
	return &Store{
		pub:         pub,
		logger:      logger.With(slog.String("component", "market_store")),
		bufferBound: bufferBound,
		states:      make(map[string]*State),
		pending:     make(map[bookKey][]domain.BookDeltaReceived),
	}
}

// Register initializes state for a market pair. Registering an existing
// market is a warning no-op.
func (s *Store) Register(pair domain.MarketPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[pair.ID]; ok {
		s.logger.Warn("market already registered", slog.String("market_id", pair.ID))
		return
	}
	s.states[pair.ID] = newState(pair)
	s.logger.Info("market registered",
		slog.String("market_id", pair.ID),
		slog.String("kalshi_ticker", pair.KalshiTicker),
	)
}

// Attach subscribes the store's handlers on the bus.
func (s *Store) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindBookSnapshotReceived, "market_store.snapshot", s.HandleEvent)
	b.Subscribe(domain.KindBookDeltaReceived, "market_store.delta", s.HandleEvent)
	b.Subscribe(domain.KindResyncRequested, "market_store.resync", s.HandleEvent)
}

// Pairs returns the registered market pairs.
func (s *Store) Pairs() []domain.MarketPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MarketPair, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.pair)
	}
	return out
}

// Pair returns the venue mapping for one market.
func (s *Store) Pair(marketID string) (domain.MarketPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[marketID]
	if !ok {
		return domain.MarketPair{}, false
	}
	return st.pair, true
}

// View returns a deep-copied, consistent view of one market's books. The
// copy is taken under the lock, so it never observes a half-applied
// mutation.
func (s *Store) View(marketID string) (domain.MarketView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[marketID]
	if !ok {
		return domain.MarketView{}, false
	}
	return st.view(), true
}

// HandleEvent is the store's bus handler for ingestion and resync events.
func (s *Store) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.BookSnapshotReceived:
		return s.applySnapshot(ctx, e)
	case domain.BookDeltaReceived:
		return s.applyDelta(ctx, e)
	case domain.ResyncRequested:
		s.reset(e.MarketID)
		return nil
	default:
		return nil
	}
}

func (s *Store) applySnapshot(ctx context.Context, e domain.BookSnapshotReceived) error {
	s.mu.Lock()

	book, err := s.bookLocked(e.MarketID, e.Platform, e.Outcome)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("snapshot for unknown book",
			slog.String("market_id", e.MarketID),
			slog.String("platform", string(e.Platform)),
			slog.String("outcome", string(e.Outcome)),
		)
		return nil // transient feed error, never crash the store
	}

	before := book.TopOfBook()
	if err := book.ApplySnapshot(e.Bids, e.Asks, e.Wall); err != nil {
		s.mu.Unlock()
		s.logger.Warn("snapshot rejected",
			slog.String("market_id", e.MarketID),
			slog.String("platform", string(e.Platform)),
			slog.String("outcome", string(e.Outcome)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	// Replay deltas buffered before this snapshot, in arrival order.
	key := bookKey{e.MarketID, e.Platform, e.Outcome}
	buffered := s.pending[key]
	delete(s.pending, key)
	for _, d := range buffered {
		book.ApplyDelta(d.Side, d.Price, d.Size, d.Wall)
	}
	after := book.TopOfBook()
	s.mu.Unlock()

	if len(buffered) > 0 {
		s.logger.Debug("replayed buffered deltas",
			slog.String("market_id", e.MarketID),
			slog.Int("count", len(buffered)),
		)
	}
	if before != after {
		return s.publishUpdated(ctx, e.MarketID, e.Platform)
	}
	return nil
}

func (s *Store) applyDelta(ctx context.Context, e domain.BookDeltaReceived) error {
	s.mu.Lock()

	book, err := s.bookLocked(e.MarketID, e.Platform, e.Outcome)
	if err != nil {
		s.mu.Unlock()
		return nil
	}

	// A delta without a base snapshot is undefined; buffer it for replay.
	if !book.HasBase() {
		key := bookKey{e.MarketID, e.Platform, e.Outcome}
		buf := append(s.pending[key], e)
		if len(buf) > s.bufferBound {
			buf = buf[1:]
			s.logger.Warn("pre-snapshot delta buffer full, dropping oldest",
				slog.String("market_id", e.MarketID),
				slog.String("platform", string(e.Platform)),
				slog.String("outcome", string(e.Outcome)),
				slog.Int("bound", s.bufferBound),
			)
		}
		s.pending[key] = buf
		s.mu.Unlock()
		return nil
	}

	before := book.TopOfBook()
	book.ApplyDelta(e.Side, e.Price, e.Size, e.Wall)
	after := book.TopOfBook()
	s.mu.Unlock()

	if before != after {
		return s.publishUpdated(ctx, e.MarketID, e.Platform)
	}
	return nil
}

// reset clears every book of one market so the next snapshots re-anchor
// state. Called on the orchestrator's resync request during cool-down.
func (s *Store) reset(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[marketID]
	if !ok {
		return
	}
	st.reset(domain.NewEventMeta().Wall)
	for key := range s.pending {
		if key.marketID == marketID {
			delete(s.pending, key)
		}
	}
	s.logger.Info("market books reset", slog.String("market_id", marketID))
}

func (s *Store) bookLocked(marketID string, p domain.Platform, o domain.Outcome) (*Book, error) {
	st, ok := s.states[marketID]
	if !ok {
		return nil, domain.ErrMarketUnknown
	}
	book := st.book(p, o)
	if book == nil {
		return nil, domain.ErrNotFound
	}
	return book, nil
}

func (s *Store) publishUpdated(ctx context.Context, marketID string, p domain.Platform) error {
	return s.pub.Publish(ctx, domain.MarketBookUpdated{
		EventMeta: domain.NewEventMeta(),
		MarketID:  marketID,
		Platform:  p,
	})
}
