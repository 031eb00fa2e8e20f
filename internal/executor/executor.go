// Package executor turns detected opportunities into two-leg trades: it
// reserves capital on both platforms, submits both legs concurrently,
// classifies the outcome, and settles every reservation exactly once.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// TradeGateway submits one leg to a venue and reports its fill. A Price of
// zero on the request means a market order. Implementations must never
// retry a submission internally; a lost answer is reported as an error and
// classified, not resubmitted.
type TradeGateway interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error)
}

// BalanceReserver is the capital-custody surface the executor drives.
type BalanceReserver interface {
	Reserve(platform domain.Platform, amount float64) (domain.Reservation, error)
	Settle(res domain.Reservation, actualSpend float64) error
	Release(res domain.Reservation) error
	View(platform domain.Platform) domain.BalanceView
}

// Unwinder closes the one-sided exposure left by a partial fill.
type Unwinder interface {
	Unwind(ctx context.Context, marketID string, filled domain.LegResult) error
}

// Publisher emits execution events onto the bus.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Config holds the execution parameters.
type Config struct {
	// LegTimeout bounds each leg's submission round trip. A leg still
	// pending at the deadline is classified as unfilled.
	LegTimeout time.Duration
	// MaxTradeSize caps the contracts per trade. Zero means uncapped.
	MaxTradeSize float64
	// QueueSize is the opportunity hand-off buffer between the bus
	// handler and the execution loop.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.LegTimeout <= 0 {
		c.LegTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8
	}
	return c
}

// Executor reads opportunities from a channel and executes them one at a
// time. Serial execution keeps reservation accounting simple and matches
// the single-flight lock upstream: at most one opportunity per market is in
// flight, and markets are few.
type Executor struct {
	gateway  TradeGateway
	balances BalanceReserver
	unwinder Unwinder
	pub      Publisher
	cfg      Config
	logger   *slog.Logger

	oppCh chan domain.ArbitrageOpportunity
}

func New(gateway TradeGateway, balances BalanceReserver, unwinder Unwinder, pub Publisher, cfg Config, logger *slog.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		gateway:  gateway,
		balances: balances,
		unwinder: unwinder,
		pub:      pub,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "executor")),
		oppCh:    make(chan domain.ArbitrageOpportunity, cfg.QueueSize),
	}
}

// Attach subscribes the executor to opportunity events. The handler only
// hands off to the execution loop so bus dispatch never blocks on venue
// round trips.
func (e *Executor) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindOpportunityFound, "executor", e.HandleEvent)
}

// HandleEvent enqueues one opportunity for execution. A full queue aborts
// the opportunity rather than blocking dispatch; the abort result lets the
// orchestrator release the market lock.
func (e *Executor) HandleEvent(ctx context.Context, ev domain.Event) error {
	o, ok := ev.(domain.OpportunityFound)
	if !ok {
		return fmt.Errorf("executor: unexpected event %T", ev)
	}
	select {
	case e.oppCh <- o.Opportunity:
		return nil
	default:
		e.logger.Warn("execution queue full, aborting opportunity",
			slog.String("opportunity_id", o.Opportunity.ID),
		)
		return e.publishResult(ctx, abortedResult(o.Opportunity, "execution queue full"))
	}
}

// Run executes queued opportunities until the context is cancelled, then
// aborts anything still queued so no market stays locked.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case opp := <-e.oppCh:
			result := e.execute(ctx, opp)
			if err := e.publishResult(ctx, result); err != nil {
				e.logger.Error("trade result publish failed",
					slog.String("opportunity_id", opp.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// execute runs one opportunity end to end and returns its final result.
func (e *Executor) execute(ctx context.Context, opp domain.ArbitrageOpportunity) domain.TradeResult {
	log := e.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("market_id", opp.MarketID),
	)

	size := e.sizeFor(opp)
	if size <= 0 {
		log.Warn("opportunity aborted, zero size")
		return abortedResult(opp, "computed trade size is zero")
	}

	// Reserve both legs up front. One decline abandons the opportunity
	// and refunds the other leg in full.
	yesRes, err := e.balances.Reserve(opp.BuyYes.Platform, size*opp.BuyYes.Price)
	if err != nil {
		log.Warn("yes leg reservation declined", slog.String("error", err.Error()))
		return abortedResult(opp, "yes leg reservation declined")
	}
	noRes, err := e.balances.Reserve(opp.BuyNo.Platform, size*opp.BuyNo.Price)
	if err != nil {
		log.Warn("no leg reservation declined", slog.String("error", err.Error()))
		if relErr := e.balances.Release(yesRes); relErr != nil {
			log.Error("yes leg release failed", slog.String("error", relErr.Error()))
		}
		return abortedResult(opp, "no leg reservation declined")
	}

	// Submit both legs concurrently, each bounded by the leg timeout.
	var (
		wg     sync.WaitGroup
		yesLeg domain.LegResult
		noLeg  domain.LegResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		yesLeg = e.submitLeg(ctx, opp, opp.BuyYes, size)
	}()
	go func() {
		defer wg.Done()
		noLeg = e.submitLeg(ctx, opp, opp.BuyNo, size)
	}()
	wg.Wait()

	result := classify(opp, yesLeg, noLeg)

	if result.Outcome == domain.TradePartial {
		// Unwind only the excess on the deeper-filled leg; any quantity
		// matched by the other leg is a completed (smaller) position.
		filled, other := yesLeg, noLeg
		if noLeg.Fill.FilledSize > yesLeg.Fill.FilledSize {
			filled, other = noLeg, yesLeg
		}
		filled.Fill.FilledSize -= other.Fill.FilledSize
		log.Error("partial fill, attempting unwind",
			slog.String("filled_platform", string(filled.Leg.Platform)),
			slog.Float64("filled_size", filled.Fill.FilledSize),
		)
		if err := e.unwinder.Unwind(ctx, opp.MarketID, filled); err != nil {
			log.Error("unwind failed, market compromised", slog.String("error", err.Error()))
			result.Compromised = true
			result.Reason = "partial fill, unwind failed: " + err.Error()
		} else {
			result.Reason = "partial fill, exposure unwound"
		}
	}

	// Settle both reservations exactly once against actual spend. Spend
	// counts partial fills; only a leg with no fill at all refunds the
	// hold in full.
	if err := e.balances.Settle(yesRes, yesLeg.Fill.Spend()); err != nil {
		log.Error("yes leg settle failed", slog.String("error", err.Error()))
	}
	if err := e.balances.Settle(noRes, noLeg.Fill.Spend()); err != nil {
		log.Error("no leg settle failed", slog.String("error", err.Error()))
	}

	log.Info("trade completed",
		slog.String("outcome", string(result.Outcome)),
		slog.Float64("size", size),
		slog.Bool("compromised", result.Compromised),
	)
	return result
}

// sizeFor applies the sizing rule using the thinner of the two platforms'
// available balances and the opportunity's displayed depth.
func (e *Executor) sizeFor(opp domain.ArbitrageOpportunity) float64 {
	yesAvail := e.balances.View(opp.BuyYes.Platform).Available
	noAvail := e.balances.View(opp.BuyNo.Platform).Available
	avail := yesAvail
	if noAvail < avail {
		avail = noAvail
	}
	return TradeSize(avail, opp.Size, e.cfg.MaxTradeSize)
}

// submitLeg mirrors the order onto the bus and submits it to the gateway
// under the per-leg timeout. Submission failures and timeouts come back as
// unfilled legs; the order is never resubmitted, double execution being
// worse than a missed fill.
func (e *Executor) submitLeg(ctx context.Context, opp domain.ArbitrageOpportunity, leg domain.Leg, size float64) domain.LegResult {
	req := domain.OrderRequest{
		OpportunityID: opp.ID,
		ClientOrderID: uuid.New().String(),
		MarketID:      opp.MarketID,
		Platform:      leg.Platform,
		Outcome:       leg.Outcome,
		Side:          domain.SideBuy,
		Price:         leg.Price,
		Size:          size,
	}

	if err := e.pub.Publish(ctx, domain.ExecuteTrade{EventMeta: domain.NewEventMeta(), Order: req}); err != nil {
		e.logger.Warn("execute trade event publish failed", slog.String("error", err.Error()))
	}

	legCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()

	fill, err := e.gateway.PlaceOrder(legCtx, req)
	if err != nil {
		return domain.LegResult{
			Leg:  domain.Leg{Platform: leg.Platform, Outcome: leg.Outcome, Price: leg.Price, Size: size},
			Fill: domain.Fill{Err: err.Error()},
		}
	}
	return domain.LegResult{
		Leg:  domain.Leg{Platform: leg.Platform, Outcome: leg.Outcome, Price: leg.Price, Size: size},
		Fill: fill,
	}
}

// classify maps the two leg fills onto the trade outcome taxonomy.
func classify(opp domain.ArbitrageOpportunity, yesLeg, noLeg domain.LegResult) domain.TradeResult {
	result := domain.TradeResult{
		OpportunityID: opp.ID,
		MarketID:      opp.MarketID,
		YesLeg:        &yesLeg,
		NoLeg:         &noLeg,
		CompletedAt:   time.Now().UTC(),
	}
	switch {
	case yesLeg.Fill.Filled && noLeg.Fill.Filled:
		result.Outcome = domain.TradeFilled
		result.Reason = "both legs filled"
	case yesLeg.Fill.Exposed() && yesLeg.Fill.FilledSize == noLeg.Fill.FilledSize:
		// Equal partial fills on both legs are a matched position at a
		// smaller size, not one-sided exposure.
		result.Outcome = domain.TradeFilled
		result.Reason = "both legs filled at reduced size"
	case yesLeg.Fill.Exposed() || noLeg.Fill.Exposed():
		result.Outcome = domain.TradePartial
	default:
		result.Outcome = domain.TradeFailed
		result.Reason = "neither leg filled"
	}
	return result
}

func abortedResult(opp domain.ArbitrageOpportunity, reason string) domain.TradeResult {
	return domain.TradeResult{
		OpportunityID: opp.ID,
		MarketID:      opp.MarketID,
		Outcome:       domain.TradeAborted,
		Reason:        reason,
		CompletedAt:   time.Now().UTC(),
	}
}

func (e *Executor) publishResult(ctx context.Context, result domain.TradeResult) error {
	return e.pub.Publish(ctx, domain.TradeResultEvent{EventMeta: domain.NewEventMeta(), Result: result})
}

// drain aborts opportunities still queued after cancellation. Shutdown
// returns funds and unlocks markets; it never starts new trades.
func (e *Executor) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case opp := <-e.oppCh:
			e.logger.Warn("aborting queued opportunity on shutdown",
				slog.String("opportunity_id", opp.ID),
			)
			if err := e.publishResult(drainCtx, abortedResult(opp, "shutdown")); err != nil {
				return
			}
		default:
			return
		}
	}
}
