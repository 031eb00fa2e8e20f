package market

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// capturePub records published events in order.
type capturePub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePub) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePub) updates() []domain.MarketBookUpdated {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.MarketBookUpdated
	for _, ev := range p.events {
		if u, ok := ev.(domain.MarketBookUpdated); ok {
			out = append(out, u)
		}
	}
	return out
}

var testPair = domain.MarketPair{
	ID:             "FED-25DEC",
	KalshiTicker:   "FED-25DEC-T3.75",
	PolyYesTokenID: "tok-yes",
	PolyNoTokenID:  "tok-no",
}

func newTestStore(t *testing.T, bufferBound int) (*Store, *capturePub) {
	t.Helper()
	pub := &capturePub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := NewStore(pub, bufferBound, logger)
	st.Register(testPair)
	return st, pub
}

func snapshotEvent(marketID string, p domain.Platform, o domain.Outcome, bids, asks []domain.PriceLevel) domain.BookSnapshotReceived {
	return domain.BookSnapshotReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   marketID,
		Platform:   p,
		Outcome:    o,
		Bids:       bids,
		Asks:       asks,
		SourceTime: time.Now(),
	}
}

func deltaEvent(marketID string, p domain.Platform, o domain.Outcome, side domain.Side, price, size float64) domain.BookDeltaReceived {
	return domain.BookDeltaReceived{
		EventMeta:  domain.NewEventMeta(),
		MarketID:   marketID,
		Platform:   p,
		Outcome:    o,
		Side:       side,
		Price:      price,
		Size:       size,
		SourceTime: time.Now(),
	}
}

func TestStore_SnapshotThenDeltaUpdatesView(t *testing.T) {
	st, pub := newTestStore(t, 0)
	ctx := context.Background()

	snap := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.38, 100)}, []domain.PriceLevel{lvl(0.40, 50)})
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes, domain.SideSell, 0.39, 20)); err != nil {
		t.Fatalf("delta: %v", err)
	}

	view, ok := st.View(testPair.ID)
	if !ok {
		t.Fatal("view not found")
	}
	ask := view.Ask(domain.PlatformKalshi, domain.OutcomeYes)
	if ask.Price != 0.39 || ask.Size != 20 {
		t.Fatalf("ask: want 0.39@20, got %+v", ask)
	}

	// Snapshot changed TOB, delta changed TOB: two update events.
	if got := len(pub.updates()); got != 2 {
		t.Fatalf("book-updated events: want 2, got %d", got)
	}
}

func TestStore_CrossedSnapshotKeepsPriorBook(t *testing.T) {
	st, pub := newTestStore(t, 0)
	ctx := context.Background()

	good := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.38, 100)}, []domain.PriceLevel{lvl(0.40, 50)})
	if err := st.HandleEvent(ctx, good); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	crossed := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.45, 10)}, []domain.PriceLevel{lvl(0.42, 10)})
	if err := st.HandleEvent(ctx, crossed); err != nil {
		t.Fatalf("crossed snapshot must not surface a handler error: %v", err)
	}

	view, ok := st.View(testPair.ID)
	if !ok {
		t.Fatal("view not found")
	}
	ask := view.Ask(domain.PlatformKalshi, domain.OutcomeYes)
	if ask.Price != 0.40 || ask.Size != 50 {
		t.Fatalf("ask mutated by crossed snapshot: %+v", ask)
	}
	// Only the first snapshot publishes an update.
	if got := len(pub.updates()); got != 1 {
		t.Fatalf("book-updated events: want 1, got %d", got)
	}
}

func TestStore_NoUpdateEventWhenTopUnchanged(t *testing.T) {
	st, pub := newTestStore(t, 0)
	ctx := context.Background()

	snap := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.38, 100), lvl(0.35, 40)}, []domain.PriceLevel{lvl(0.40, 50)})
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	before := len(pub.updates())

	// Resizing a non-top level must not publish.
	if err := st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes, domain.SideBuy, 0.35, 60)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	if got := len(pub.updates()); got != before {
		t.Fatalf("book-updated events: want %d, got %d", before, got)
	}
}

func TestStore_PreSnapshotDeltasBufferedAndReplayed(t *testing.T) {
	st, pub := newTestStore(t, 0)
	ctx := context.Background()

	// Deltas before any snapshot must not affect the view.
	for _, d := range []domain.BookDeltaReceived{
		deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeNo, domain.SideSell, 0.55, 30),
		deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeNo, domain.SideSell, 0.55, 25),
		deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeNo, domain.SideBuy, 0.50, 10),
	} {
		if err := st.HandleEvent(ctx, d); err != nil {
			t.Fatalf("buffered delta: %v", err)
		}
	}

	view, _ := st.View(testPair.ID)
	if ask := view.Ask(domain.PlatformPolymarket, domain.OutcomeNo); !ask.Empty() {
		t.Fatalf("pre-snapshot delta leaked into view: %+v", ask)
	}
	if got := len(pub.updates()); got != 0 {
		t.Fatalf("no update events expected before snapshot, got %d", got)
	}

	// Snapshot lands; buffered deltas replay on top of it.
	snap := snapshotEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeNo,
		nil, []domain.PriceLevel{lvl(0.60, 5)})
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	view, _ = st.View(testPair.ID)
	ask := view.Ask(domain.PlatformPolymarket, domain.OutcomeNo)
	if ask.Price != 0.55 || ask.Size != 25 {
		t.Fatalf("replayed ask: want 0.55@25, got %+v", ask)
	}
	bid := view.Bid(domain.PlatformPolymarket, domain.OutcomeNo)
	if bid.Price != 0.50 || bid.Size != 10 {
		t.Fatalf("replayed bid: want 0.50@10, got %+v", bid)
	}

	// Replay result must equal the state had the deltas arrived after the
	// snapshot originally.
	direct := NewBook()
	direct.ApplySnapshot(nil, []domain.PriceLevel{lvl(0.60, 5)}, time.Now())
	direct.ApplyDelta(domain.SideSell, 0.55, 30, time.Now())
	direct.ApplyDelta(domain.SideSell, 0.55, 25, time.Now())
	direct.ApplyDelta(domain.SideBuy, 0.50, 10, time.Now())
	if direct.TopOfBook() != (domain.TopOfBook{Bid: bid, Ask: ask}) {
		t.Fatalf("replay diverged from direct application: %+v vs %+v",
			direct.TopOfBook(), domain.TopOfBook{Bid: bid, Ask: ask})
	}
}

func TestStore_DeltaBufferBoundDropsOldest(t *testing.T) {
	st, _ := newTestStore(t, 2)
	ctx := context.Background()

	// Three pre-snapshot asks at distinct prices; the first (0.70) must be
	// dropped once the bound of 2 is exceeded.
	for _, price := range []float64{0.70, 0.65, 0.60} {
		if err := st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeYes, domain.SideSell, price, 10)); err != nil {
			t.Fatalf("delta: %v", err)
		}
	}

	snap := snapshotEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeYes, nil, nil)
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	view, _ := st.View(testPair.ID)
	bv, _ := view.Book(domain.PlatformPolymarket, domain.OutcomeYes)
	if bv.Top.Ask.Price != 0.60 {
		t.Fatalf("best ask: want 0.60, got %+v", bv.Top.Ask)
	}
	// The dropped 0.70 level must not exist: removing 0.65 and 0.60 should
	// leave an empty side, which we verify via the live book through deltas.
	_ = st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeYes, domain.SideSell, 0.60, 0))
	_ = st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformPolymarket, domain.OutcomeYes, domain.SideSell, 0.65, 0))
	view, _ = st.View(testPair.ID)
	if ask := view.Ask(domain.PlatformPolymarket, domain.OutcomeYes); !ask.Empty() {
		t.Fatalf("dropped delta survived the bound: %+v", ask)
	}
}

func TestStore_ResyncClearsBooksAndRequiresNewSnapshot(t *testing.T) {
	st, _ := newTestStore(t, 0)
	ctx := context.Background()

	snap := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.38, 100)}, []domain.PriceLevel{lvl(0.40, 50)})
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := st.HandleEvent(ctx, domain.ResyncRequested{EventMeta: domain.NewEventMeta(), MarketID: testPair.ID}); err != nil {
		t.Fatalf("resync: %v", err)
	}

	view, _ := st.View(testPair.ID)
	if bid := view.Bid(domain.PlatformKalshi, domain.OutcomeYes); !bid.Empty() {
		t.Fatalf("books should be empty after resync, got bid %+v", bid)
	}

	// Post-resync deltas are buffered again until a fresh snapshot.
	if err := st.HandleEvent(ctx, deltaEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes, domain.SideBuy, 0.39, 10)); err != nil {
		t.Fatalf("delta: %v", err)
	}
	view, _ = st.View(testPair.ID)
	if bid := view.Bid(domain.PlatformKalshi, domain.OutcomeYes); !bid.Empty() {
		t.Fatalf("delta applied without base after resync: %+v", bid)
	}
}

func TestStore_MarketsAreIndependent(t *testing.T) {
	other := domain.MarketPair{ID: "CPI-26JAN", KalshiTicker: "CPI-26JAN-T3", PolyYesTokenID: "y2", PolyNoTokenID: "n2"}

	st, _ := newTestStore(t, 0)
	st.Register(other)
	ctx := context.Background()

	// Interleave events for the two markets; each must end at the same
	// state as if processed alone.
	evs := []domain.Event{
		snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes, []domain.PriceLevel{lvl(0.30, 10)}, nil),
		snapshotEvent(other.ID, domain.PlatformKalshi, domain.OutcomeYes, []domain.PriceLevel{lvl(0.70, 10)}, nil),
		deltaEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes, domain.SideBuy, 0.31, 5),
		deltaEvent(other.ID, domain.PlatformKalshi, domain.OutcomeYes, domain.SideBuy, 0.71, 5),
	}
	for _, ev := range evs {
		if err := st.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}

	v1, _ := st.View(testPair.ID)
	v2, _ := st.View(other.ID)
	if bid := v1.Bid(domain.PlatformKalshi, domain.OutcomeYes); bid.Price != 0.31 {
		t.Fatalf("market 1 bid: want 0.31, got %+v", bid)
	}
	if bid := v2.Bid(domain.PlatformKalshi, domain.OutcomeYes); bid.Price != 0.71 {
		t.Fatalf("market 2 bid: want 0.71, got %+v", bid)
	}
}

func TestMarketView_DerivedNoAsk(t *testing.T) {
	st, _ := newTestStore(t, 0)
	ctx := context.Background()

	snap := snapshotEvent(testPair.ID, domain.PlatformKalshi, domain.OutcomeYes,
		[]domain.PriceLevel{lvl(0.45, 120)}, []domain.PriceLevel{lvl(0.47, 80)})
	if err := st.HandleEvent(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	view, _ := st.View(testPair.ID)
	derived := view.DerivedNoAsk(domain.PlatformKalshi)
	if derived.Price != 0.55 || derived.Size != 120 {
		t.Fatalf("derived NO ask: want 0.55@120, got %+v", derived)
	}
}
