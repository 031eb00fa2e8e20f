// Package orchestrator owns the per-market lifecycle state machine: startup
// gating, the single-flight opportunity lock, post-trade cool-down with
// balance reconciliation, and per-market shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// Reconciler confirms that the local balance view matches external truth
// before a market resumes monitoring.
type Reconciler interface {
	// Reconcile aligns local balance views with external truth.
	Reconcile(ctx context.Context) error
	// ConfirmedSince reports whether external truth observed after t
	// covers both platforms. Used to resolve a compromised market whose
	// real exposure cannot be inferred locally.
	ConfirmedSince(ctx context.Context, t time.Time) (bool, error)
}

// Publisher emits lifecycle events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Config holds the lifecycle parameters.
type Config struct {
	// Cooldown is the mandatory pause after every trade attempt before
	// reconciliation and resumed monitoring.
	Cooldown time.Duration
	// MaxReconcileAttempts bounds cool-down retries when reconciliation
	// keeps failing; exceeding it shuts the market down.
	MaxReconcileAttempts int
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxReconcileAttempts <= 0 {
		c.MaxReconcileAttempts = 5
	}
	return c
}

type marketState struct {
	phase domain.MarketPhase

	// snapshots tracks which platforms have delivered their first book
	// snapshot during INITIALIZING.
	snapshots map[domain.Platform]bool

	// Cool-down bookkeeping for the last trade attempt.
	compromised       bool
	tradeCompletedAt  time.Time
	reconcileAttempts int
	timer             *time.Timer
}

// Orchestrator drives one state machine per registered market. All
// transitions go through transition() under the mutex, so phase reads are
// always consistent.
type Orchestrator struct {
	reconciler Reconciler
	pub        Publisher
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	markets map[string]*marketState
	runCtx  context.Context
	started chan struct{}
}

func New(reconciler Reconciler, pub Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		reconciler: reconciler,
		pub:        pub,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "orchestrator")),
		markets:    make(map[string]*marketState),
		started:    make(chan struct{}),
	}
}

// Register adds a market in INITIALIZING. Must be called before Run.
func (o *Orchestrator) Register(marketID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.markets[marketID] = &marketState{
		phase:     domain.PhaseInitializing,
		snapshots: make(map[domain.Platform]bool),
	}
}

// Attach subscribes the orchestrator to the lifecycle-driving events.
func (o *Orchestrator) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindBookSnapshotReceived, "orchestrator", o.HandleEvent)
	b.Subscribe(domain.KindExecuteTrade, "orchestrator", o.HandleEvent)
	b.Subscribe(domain.KindTradeResult, "orchestrator", o.HandleEvent)
}

// Run parks until cancellation, then stops every pending cool-down timer.
// It must be running before any cool-down can complete.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	close(o.started)
	o.mu.Unlock()

	<-ctx.Done()

	o.mu.Lock()
	for _, st := range o.markets {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	o.mu.Unlock()
	return ctx.Err()
}

// Phase returns a market's current lifecycle phase.
func (o *Orchestrator) Phase(marketID string) (domain.MarketPhase, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[marketID]
	if !ok {
		return "", false
	}
	return st.phase, true
}

// TryLock attempts the MONITORING to OPPORTUNITY_LOCKED transition. It is
// the monitor's single-flight guard: exactly one caller wins per lock
// cycle, and the lock is released only by cool-down completion.
func (o *Orchestrator) TryLock(marketID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[marketID]
	if !ok || st.phase != domain.PhaseMonitoring {
		return false
	}
	o.transition(st, marketID, domain.PhaseOpportunityLocked, "opportunity lock acquired")
	return true
}

// MarkShutdown drives one market to its terminal phase. Other markets are
// unaffected.
func (o *Orchestrator) MarkShutdown(marketID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[marketID]
	if !ok || st.phase.Terminal() {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	o.transition(st, marketID, domain.PhaseShutdown, reason)
}

// HandleEvent advances market state machines from bus events.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.BookSnapshotReceived:
		o.onSnapshot(e)
	case domain.ExecuteTrade:
		o.onExecuteTrade(e)
	case domain.TradeResultEvent:
		o.onTradeResult(e)
	default:
		return fmt.Errorf("orchestrator: unexpected event %T", ev)
	}
	return nil
}

// onSnapshot completes initialization once both platforms have delivered a
// snapshot for the market.
func (o *Orchestrator) onSnapshot(e domain.BookSnapshotReceived) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[e.MarketID]
	if !ok || st.phase != domain.PhaseInitializing {
		return
	}
	st.snapshots[e.Platform] = true
	for _, p := range domain.Platforms() {
		if !st.snapshots[p] {
			return
		}
	}
	o.transition(st, e.MarketID, domain.PhaseMonitoring, "all feeds snapshotted")
}

// onExecuteTrade marks the market executing once its first leg goes out.
func (o *Orchestrator) onExecuteTrade(e domain.ExecuteTrade) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[e.Order.MarketID]
	if !ok || st.phase != domain.PhaseOpportunityLocked {
		return
	}
	o.transition(st, e.Order.MarketID, domain.PhaseExecuting, "legs submitted")
}

// onTradeResult starts the cool-down. Every trade attempt lands here,
// ABORTED included, so the lock is always eventually released.
func (o *Orchestrator) onTradeResult(e domain.TradeResultEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.markets[e.Result.MarketID]
	if !ok || st.phase.Terminal() {
		return
	}
	if st.phase != domain.PhaseOpportunityLocked && st.phase != domain.PhaseExecuting {
		o.logger.Warn("trade result outside locked phase",
			slog.String("market_id", e.Result.MarketID),
			slog.String("phase", string(st.phase)),
		)
		return
	}

	st.compromised = e.Result.Compromised
	st.tradeCompletedAt = e.Result.CompletedAt
	st.reconcileAttempts = 0
	o.transition(st, e.Result.MarketID, domain.PhaseCooldown,
		fmt.Sprintf("trade %s", e.Result.Outcome))
	o.scheduleCooldown(st, e.Result.MarketID)
}

// scheduleCooldown arms the cool-down timer. Caller holds the mutex.
func (o *Orchestrator) scheduleCooldown(st *marketState, marketID string) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(o.cfg.Cooldown, func() {
		o.finishCooldown(marketID)
	})
}

// finishCooldown runs reconciliation and, on success, re-anchors state with
// a fresh snapshot request and returns the market to MONITORING. Failure
// re-arms the timer up to the attempt bound, then shuts the market down.
func (o *Orchestrator) finishCooldown(marketID string) {
	<-o.started
	ctx := o.runCtx
	if ctx.Err() != nil {
		return
	}

	o.mu.Lock()
	st, ok := o.markets[marketID]
	if !ok || st.phase != domain.PhaseCooldown {
		o.mu.Unlock()
		return
	}
	compromised := st.compromised
	completedAt := st.tradeCompletedAt
	o.mu.Unlock()

	err := o.reconciler.Reconcile(ctx)
	if err == nil && compromised {
		var confirmed bool
		confirmed, err = o.reconciler.ConfirmedSince(ctx, completedAt)
		if err == nil && !confirmed {
			err = fmt.Errorf("orchestrator: exposure for %s not yet confirmed by external truth", marketID)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if st.phase != domain.PhaseCooldown {
		return
	}

	if err != nil {
		st.reconcileAttempts++
		o.logger.Warn("reconciliation failed, extending cool-down",
			slog.String("market_id", marketID),
			slog.Int("attempt", st.reconcileAttempts),
			slog.String("error", err.Error()),
		)
		if st.reconcileAttempts >= o.cfg.MaxReconcileAttempts {
			o.transition(st, marketID, domain.PhaseShutdown, "reconciliation attempts exhausted")
			return
		}
		o.scheduleCooldown(st, marketID)
		return
	}

	st.compromised = false
	if pubErr := o.pub.Publish(ctx, domain.ResyncRequested{EventMeta: domain.NewEventMeta(), MarketID: marketID}); pubErr != nil {
		o.logger.Error("resync request publish failed",
			slog.String("market_id", marketID),
			slog.String("error", pubErr.Error()),
		)
	}
	o.transition(st, marketID, domain.PhaseMonitoring, "cool-down complete")
}

// transition records and publishes one phase change. Caller holds the mutex.
func (o *Orchestrator) transition(st *marketState, marketID string, to domain.MarketPhase, reason string) {
	from := st.phase
	st.phase = to
	o.logger.Info("phase changed",
		slog.String("market_id", marketID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)

	ctx := o.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := o.pub.Publish(ctx, domain.PhaseChanged{
		EventMeta: domain.NewEventMeta(),
		MarketID:  marketID,
		From:      from,
		To:        to,
		Reason:    reason,
	}); err != nil {
		o.logger.Error("phase change publish failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}
}
