package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// GatewayUnwinder closes one-sided exposure by selling the filled leg back
// through the trade gateway as a market order. Flattening the position is
// worth crossing the spread; holding half an arbitrage is an outright
// directional bet the engine never chose to make.
type GatewayUnwinder struct {
	gateway TradeGateway
	logger  *slog.Logger
}

func NewGatewayUnwinder(gateway TradeGateway, logger *slog.Logger) *GatewayUnwinder {
	return &GatewayUnwinder{
		gateway: gateway,
		logger:  logger.With(slog.String("component", "unwinder")),
	}
}

// Unwind submits one opposing sell for the filled size. Price zero marks a
// market order to the gateway. A rejected or unfilled sell is an error; the
// caller flags the market compromised and holds its lock for reconciliation.
func (u *GatewayUnwinder) Unwind(ctx context.Context, marketID string, filled domain.LegResult) error {
	req := domain.OrderRequest{
		ClientOrderID: uuid.New().String(),
		MarketID:      marketID,
		Platform:      filled.Leg.Platform,
		Outcome:       filled.Leg.Outcome,
		Side:          domain.SideSell,
		Price:         0,
		Size:          filled.Fill.FilledSize,
	}

	u.logger.Warn("unwinding one-sided exposure",
		slog.String("market_id", marketID),
		slog.String("platform", string(req.Platform)),
		slog.String("outcome", string(req.Outcome)),
		slog.Float64("size", req.Size),
	)

	fill, err := u.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("unwind %s %s/%s: %w", marketID, req.Platform, req.Outcome, err)
	}
	if !fill.Filled {
		return fmt.Errorf("unwind %s %s/%s: sell not filled: %s", marketID, req.Platform, req.Outcome, fill.Err)
	}
	if fill.FilledSize < req.Size {
		return fmt.Errorf("unwind %s %s/%s: sold %.2f of %.2f", marketID, req.Platform, req.Outcome, fill.FilledSize, req.Size)
	}

	u.logger.Info("exposure unwound",
		slog.String("market_id", marketID),
		slog.Float64("avg_price", fill.AvgPrice),
	)
	return nil
}
