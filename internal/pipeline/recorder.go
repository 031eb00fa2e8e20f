// Package pipeline connects the engine's event bus to the durable side of
// the system: Postgres records, venue balance polling, and S3 cold storage.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fletchtrade/fletcher/internal/bus"
	"github.com/fletchtrade/fletcher/internal/domain"
)

// TradeWriter persists final trade results.
type TradeWriter interface {
	Record(ctx context.Context, res domain.TradeResult) error
}

// OpportunityWriter persists detected opportunities.
type OpportunityWriter interface {
	Record(ctx context.Context, opp domain.ArbitrageOpportunity) error
}

// Recorder writes detected opportunities and completed trades to Postgres
// as they cross the bus. Inserts are idempotent on the opportunity ID, so a
// redelivered event is harmless.
type Recorder struct {
	trades        TradeWriter
	opportunities OpportunityWriter
	logger        *slog.Logger
}

// NewRecorder creates a Recorder over the given stores.
func NewRecorder(trades TradeWriter, opportunities OpportunityWriter, logger *slog.Logger) *Recorder {
	return &Recorder{
		trades:        trades,
		opportunities: opportunities,
		logger:        logger.With(slog.String("component", "recorder")),
	}
}

// Attach subscribes the recorder to the persisted event kinds.
func (r *Recorder) Attach(b *bus.Bus) {
	b.Subscribe(domain.KindOpportunityFound, "recorder", r.HandleEvent)
	b.Subscribe(domain.KindTradeResult, "recorder", r.HandleEvent)
}

// HandleEvent persists one event. Errors propagate to the bus, which logs
// them and carries on; a database outage must never stall trading.
func (r *Recorder) HandleEvent(ctx context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.OpportunityFound:
		if err := r.opportunities.Record(ctx, e.Opportunity); err != nil {
			return fmt.Errorf("record opportunity %s: %w", e.Opportunity.ID, err)
		}
	case domain.TradeResultEvent:
		if err := r.trades.Record(ctx, e.Result); err != nil {
			return fmt.Errorf("record trade %s: %w", e.Result.OpportunityID, err)
		}
		r.logger.Debug("trade recorded",
			slog.String("opportunity_id", e.Result.OpportunityID),
			slog.String("outcome", string(e.Result.Outcome)),
		)
	}
	return nil
}
