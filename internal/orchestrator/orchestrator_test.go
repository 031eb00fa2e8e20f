package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

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

func (p *capturePub) resyncs() []domain.ResyncRequested {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ResyncRequested
	for _, ev := range p.events {
		if r, ok := ev.(domain.ResyncRequested); ok {
			out = append(out, r)
		}
	}
	return out
}

type fakeReconciler struct {
	mu             sync.Mutex
	reconcileErr   error
	confirmed      bool
	confirmErr     error
	reconcileCalls int
}

func (r *fakeReconciler) Reconcile(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileCalls++
	return r.reconcileErr
}

func (r *fakeReconciler) ConfirmedSince(context.Context, time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed, r.confirmErr
}

func (r *fakeReconciler) set(err error, confirmed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcileErr = err
	r.confirmed = confirmed
}

const testMarket = "FED-25DEC"

type fixture struct {
	orch       *Orchestrator
	pub        *capturePub
	reconciler *fakeReconciler
	cancel     context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		pub:        &capturePub{},
		reconciler: &fakeReconciler{confirmed: true},
	}
	f.orch = New(f.reconciler, f.pub, cfg, logger)
	f.orch.Register(testMarket)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { _ = f.orch.Run(ctx) }()
	t.Cleanup(cancel)

	// Wait for Run to park before driving transitions.
	<-f.orch.started
	return f
}

func (f *fixture) snapshot(t *testing.T, p domain.Platform) {
	t.Helper()
	err := f.orch.HandleEvent(context.Background(), domain.BookSnapshotReceived{
		EventMeta: domain.NewEventMeta(),
		MarketID:  testMarket,
		Platform:  p,
		Outcome:   domain.OutcomeYes,
	})
	if err != nil {
		t.Fatalf("snapshot event: %v", err)
	}
}

func (f *fixture) tradeResult(t *testing.T, outcome domain.TradeOutcome, compromised bool) {
	t.Helper()
	err := f.orch.HandleEvent(context.Background(), domain.TradeResultEvent{
		EventMeta: domain.NewEventMeta(),
		Result: domain.TradeResult{
			OpportunityID: "opp-1",
			MarketID:      testMarket,
			Outcome:       outcome,
			Compromised:   compromised,
			CompletedAt:   time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("trade result event: %v", err)
	}
}

func (f *fixture) mustPhase(t *testing.T, want domain.MarketPhase) {
	t.Helper()
	got, ok := f.orch.Phase(testMarket)
	if !ok {
		t.Fatalf("market %s not registered", testMarket)
	}
	if got != want {
		t.Fatalf("phase = %s, want %s", got, want)
	}
}

func (f *fixture) waitPhase(t *testing.T, want domain.MarketPhase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := f.orch.Phase(testMarket); got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := f.orch.Phase(testMarket)
	t.Fatalf("phase = %s, want %s within deadline", got, want)
}

func TestInitializationRequiresBothPlatforms(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Hour})
	f.mustPhase(t, domain.PhaseInitializing)

	f.snapshot(t, domain.PlatformKalshi)
	f.mustPhase(t, domain.PhaseInitializing)

	f.snapshot(t, domain.PlatformPolymarket)
	f.mustPhase(t, domain.PhaseMonitoring)
}

func TestTryLockSingleFlight(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Hour})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)

	if !f.orch.TryLock(testMarket) {
		t.Fatal("first TryLock should win")
	}
	f.mustPhase(t, domain.PhaseOpportunityLocked)
	if f.orch.TryLock(testMarket) {
		t.Fatal("second TryLock must lose while locked")
	}
	if f.orch.TryLock("UNKNOWN") {
		t.Fatal("TryLock on unregistered market must fail")
	}
}

func TestTradeResultDrivesCooldownAndBackToMonitoring(t *testing.T) {
	f := newFixture(t, Config{Cooldown: 20 * time.Millisecond})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)

	if !f.orch.TryLock(testMarket) {
		t.Fatal("lock")
	}
	f.tradeResult(t, domain.TradeFilled, false)
	f.mustPhase(t, domain.PhaseCooldown)

	f.waitPhase(t, domain.PhaseMonitoring)

	// Cool-down completion re-anchors state with a fresh snapshot request.
	if got := f.pub.resyncs(); len(got) != 1 || got[0].MarketID != testMarket {
		t.Fatalf("expected 1 resync for %s, got %+v", testMarket, got)
	}

	// The lock cycle is complete: a new opportunity can lock again.
	if !f.orch.TryLock(testMarket) {
		t.Fatal("TryLock after cool-down should win")
	}
}

func TestAbortedResultStillReleasesLock(t *testing.T) {
	f := newFixture(t, Config{Cooldown: 10 * time.Millisecond})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)

	if !f.orch.TryLock(testMarket) {
		t.Fatal("lock")
	}
	f.tradeResult(t, domain.TradeAborted, false)
	f.waitPhase(t, domain.PhaseMonitoring)
}

func TestExecutingPhaseOnLegSubmission(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Hour})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)
	if !f.orch.TryLock(testMarket) {
		t.Fatal("lock")
	}

	err := f.orch.HandleEvent(context.Background(), domain.ExecuteTrade{
		EventMeta: domain.NewEventMeta(),
		Order:     domain.OrderRequest{MarketID: testMarket, Platform: domain.PlatformKalshi},
	})
	if err != nil {
		t.Fatalf("execute trade event: %v", err)
	}
	f.mustPhase(t, domain.PhaseExecuting)

	f.tradeResult(t, domain.TradeFilled, false)
	f.mustPhase(t, domain.PhaseCooldown)
}

func TestCompromisedResultHoldsLockUntilConfirmed(t *testing.T) {
	f := newFixture(t, Config{Cooldown: 10 * time.Millisecond, MaxReconcileAttempts: 100})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)
	if !f.orch.TryLock(testMarket) {
		t.Fatal("lock")
	}

	// External truth has not yet observed the partial fill.
	f.reconciler.set(nil, false)
	f.tradeResult(t, domain.TradePartial, true)

	time.Sleep(80 * time.Millisecond)
	f.mustPhase(t, domain.PhaseCooldown)
	if f.orch.TryLock(testMarket) {
		t.Fatal("compromised market must stay locked")
	}

	f.reconciler.set(nil, true)
	f.waitPhase(t, domain.PhaseMonitoring)
}

func TestReconcileFailuresExhaustToShutdown(t *testing.T) {
	f := newFixture(t, Config{Cooldown: 5 * time.Millisecond, MaxReconcileAttempts: 3})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)
	if !f.orch.TryLock(testMarket) {
		t.Fatal("lock")
	}

	f.reconciler.set(errors.New("truth store unavailable"), true)
	f.tradeResult(t, domain.TradeFilled, false)

	f.waitPhase(t, domain.PhaseShutdown)
	if f.orch.TryLock(testMarket) {
		t.Fatal("shutdown market must never lock")
	}
}

func TestMarkShutdownIsTerminal(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Hour})
	f.snapshot(t, domain.PlatformKalshi)
	f.snapshot(t, domain.PlatformPolymarket)

	f.orch.MarkShutdown(testMarket, "auth failure")
	f.mustPhase(t, domain.PhaseShutdown)

	// Further events are ignored.
	f.snapshot(t, domain.PlatformKalshi)
	f.mustPhase(t, domain.PhaseShutdown)
	if f.orch.TryLock(testMarket) {
		t.Fatal("shutdown market must never lock")
	}
}
