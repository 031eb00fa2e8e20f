// Package monitor evaluates cross-venue buy-both arbitrage on every
// top-of-book change and emits at most one opportunity per market lock.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/market"
)

// Lifecycle is the orchestrator's single-flight surface. TryLock moves a
// market from MONITORING to OPPORTUNITY_LOCKED and reports whether the lock
// was acquired; while held, further qualifying updates are ignored.
type Lifecycle interface {
	TryLock(marketID string) bool
}

// BalanceChecker gates evaluation system-wide when any wallet falls below
// the minimum balance.
type BalanceChecker interface {
	TradingHalted() bool
}

// Publisher emits opportunity events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Config holds the evaluation parameters.
type Config struct {
	// MinProfit is the minimum profit per contract, after fees, for an
	// opportunity to qualify.
	MinProfit float64
	// FeeRates maps each platform to its taker fee rate. A pairing's fee
	// rate is the sum over its two legs' platforms.
	FeeRates map[domain.Platform]float64
	// MaxQuoteAge rejects pairings whose slower book has not updated
	// within this window. Zero disables the check.
	MaxQuoteAge time.Duration
}

// Monitor subscribes to MarketBookUpdated and evaluates both cross-venue
// pairings for the affected market.
type Monitor struct {
	store     *market.Store
	lifecycle Lifecycle
	balances  BalanceChecker
	pub       Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(store *market.Store, lifecycle Lifecycle, balances BalanceChecker, pub Publisher, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		lifecycle: lifecycle,
		balances:  balances,
		pub:       pub,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "monitor")),
		now:       time.Now,
	}
}

// Attach subscribes the monitor to book-update events. Registration order
// matters: the store must be attached first so the monitor reads
// post-mutation views.
func (m *Monitor) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindMarketBookUpdated, "monitor", m.HandleEvent)
}

// HandleEvent evaluates one market after a top-of-book change.
func (m *Monitor) HandleEvent(ctx context.Context, ev domain.Event) error {
	e, ok := ev.(domain.MarketBookUpdated)
	if !ok {
		return fmt.Errorf("monitor: unexpected event %T", ev)
	}
	return m.Evaluate(ctx, e.MarketID)
}

// Evaluate checks both leg pairings for one market and, when the best
// qualifies and the market lock is acquired, publishes a single
// OpportunityFound.
func (m *Monitor) Evaluate(ctx context.Context, marketID string) error {
	if m.balances.TradingHalted() {
		return nil
	}

	view, ok := m.store.View(marketID)
	if !ok {
		return fmt.Errorf("monitor: evaluate %s: %w", marketID, domain.ErrMarketUnknown)
	}

	best, found := m.bestPairing(view)
	if !found || best.Profit < m.cfg.MinProfit {
		return nil
	}

	if !m.lifecycle.TryLock(marketID) {
		// Already locked; the opportunity for this lock was emitted.
		return nil
	}

	meta := domain.NewEventMeta()
	best.ID = meta.ID.String()
	best.DetectedAt = meta.Wall
	best.DetectedMono = meta.Mono

	m.logger.Info("opportunity found",
		slog.String("market_id", marketID),
		slog.String("opportunity_id", best.ID),
		slog.Float64("profit", best.Profit),
		slog.Float64("cost", best.Cost),
		slog.Float64("size", best.Size),
		slog.String("yes_platform", string(best.BuyYes.Platform)),
		slog.String("no_platform", string(best.BuyNo.Platform)),
	)
	return m.pub.Publish(ctx, domain.OpportunityFound{EventMeta: meta, Opportunity: best})
}

// bestPairing evaluates both cross-venue pairings and returns the most
// profitable qualifying one. Ties keep the first pairing in evaluation
// order (Kalshi YES + Polymarket NO first) for determinism.
func (m *Monitor) bestPairing(view domain.MarketView) (domain.ArbitrageOpportunity, bool) {
	pairings := [2]struct {
		yes, no domain.Quote
		yesLeg  domain.Platform
		noLeg   domain.Platform
	}{
		{
			yes:    view.Ask(domain.PlatformKalshi, domain.OutcomeYes),
			no:     view.Ask(domain.PlatformPolymarket, domain.OutcomeNo),
			yesLeg: domain.PlatformKalshi,
			noLeg:  domain.PlatformPolymarket,
		},
		{
			yes: view.Ask(domain.PlatformPolymarket, domain.OutcomeYes),
			// Kalshi quotes only a YES book; buying NO is selling YES,
			// priced off the YES bid.
			no:     view.DerivedNoAsk(domain.PlatformKalshi),
			yesLeg: domain.PlatformPolymarket,
			noLeg:  domain.PlatformKalshi,
		},
	}

	var (
		best  domain.ArbitrageOpportunity
		found bool
	)
	for _, p := range pairings {
		if p.yes.Empty() || p.no.Empty() {
			continue
		}
		if m.stale(view, p.yesLeg, domain.OutcomeYes) || m.stale(view, p.noLeg, domain.OutcomeNo) {
			continue
		}

		feeRate := m.cfg.FeeRates[p.yesLeg] + m.cfg.FeeRates[p.noLeg]
		cost := p.yes.Price + p.no.Price
		profit := 1.0 - cost/(1.0-feeRate)

		size := p.yes.Size
		if p.no.Size < size {
			size = p.no.Size
		}
		if size <= 0 {
			continue
		}

		if found && profit <= best.Profit {
			continue
		}
		best = domain.ArbitrageOpportunity{
			MarketID: view.MarketID,
			BuyYes:   domain.Leg{Platform: p.yesLeg, Outcome: domain.OutcomeYes, Price: p.yes.Price, Size: p.yes.Size},
			BuyNo:    domain.Leg{Platform: p.noLeg, Outcome: domain.OutcomeNo, Price: p.no.Price, Size: p.no.Size},
			Cost:     cost,
			FeeRate:  feeRate,
			Profit:   profit,
			Size:     size,
		}
		found = true
	}
	return best, found
}

// stale reports whether a leg's book is older than MaxQuoteAge. The derived
// Kalshi NO quote ages with the Kalshi YES book it is priced from.
func (m *Monitor) stale(view domain.MarketView, p domain.Platform, o domain.Outcome) bool {
	if m.cfg.MaxQuoteAge <= 0 {
		return false
	}
	if p == domain.PlatformKalshi {
		o = domain.OutcomeYes
	}
	bv, ok := view.Book(p, o)
	if !ok {
		return true
	}
	return m.now().Sub(bv.LastUpdate) > m.cfg.MaxQuoteAge
}
