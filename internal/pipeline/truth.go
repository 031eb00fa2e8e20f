package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// VenueBalances queries live venue balances.
type VenueBalances interface {
	LatestTruth(ctx context.Context, platform domain.Platform) (domain.BalanceTruth, error)
}

// TruthWriter persists observed balances.
type TruthWriter interface {
	RecordTruth(ctx context.Context, truth domain.BalanceTruth) error
}

// TruthPoller periodically queries each venue's available balance and
// appends the observation to the balance truth store. The reconciler reads
// the store, never the venues, so a venue outage degrades truth freshness
// rather than reconciliation itself.
type TruthPoller struct {
	venues   VenueBalances
	store    TruthWriter
	interval time.Duration
	logger   *slog.Logger
}

// NewTruthPoller creates a TruthPoller; interval <= 0 defaults to one
// minute.
func NewTruthPoller(venues VenueBalances, store TruthWriter, interval time.Duration, logger *slog.Logger) *TruthPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TruthPoller{
		venues:   venues,
		store:    store,
		interval: interval,
		logger:   logger.With(slog.String("component", "truth_poller")),
	}
}

// Run polls until the context is cancelled. The first poll happens
// immediately so the reconciler has truth rows before the first trade.
func (p *TruthPoller) Run(ctx context.Context) error {
	p.logger.Info("truth poller started", slog.Duration("interval", p.interval))
	defer p.logger.Info("truth poller stopped")

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll observes and records both platforms. One platform failing does not
// skip the other.
func (p *TruthPoller) poll(ctx context.Context) {
	for _, platform := range domain.Platforms() {
		truth, err := p.venues.LatestTruth(ctx, platform)
		if err != nil {
			p.logger.Warn("balance query failed",
				slog.String("platform", string(platform)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.store.RecordTruth(ctx, truth); err != nil {
			p.logger.Warn("balance record failed",
				slog.String("platform", string(platform)),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Debug("balance observed",
			slog.String("platform", string(platform)),
			slog.Float64("available", truth.Available),
		)
	}
}
