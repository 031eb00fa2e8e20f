// Package gateway routes leg orders from the executor to the venue REST
// clients and normalizes their responses into fills.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fletchtrade/fletcher/internal/domain"
	"github.com/fletchtrade/fletcher/internal/platform/kalshi"
	"github.com/fletchtrade/fletcher/internal/platform/polymarket"
)

// Router submits each order to the platform it names. It implements the
// executor's trade gateway and never retries a submission.
type Router struct {
	kalshi *kalshi.Client
	clob   *polymarket.ClobClient
	pairs  map[string]domain.MarketPair
	logger *slog.Logger
}

// NewRouter creates a gateway over the two venue clients.
func NewRouter(kc *kalshi.Client, pc *polymarket.ClobClient, pairs []domain.MarketPair, logger *slog.Logger) *Router {
	byID := make(map[string]domain.MarketPair, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}
	return &Router{
		kalshi: kc,
		clob:   pc,
		pairs:  byID,
		logger: logger.With(slog.String("component", "gateway")),
	}
}

// PlaceOrder submits one leg order. A venue rejection or timeout comes back
// as an unfilled Fill with the error recorded; transport errors are returned
// as errors. Price 0 requests a market order.
func (r *Router) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	pair, ok := r.pairs[req.MarketID]
	if !ok {
		return domain.Fill{}, fmt.Errorf("gateway: %w: %s", domain.ErrMarketUnknown, req.MarketID)
	}

	switch req.Platform {
	case domain.PlatformKalshi:
		return r.placeKalshi(ctx, pair, req)
	case domain.PlatformPolymarket:
		return r.placePolymarket(ctx, pair, req)
	default:
		return domain.Fill{}, fmt.Errorf("gateway: unknown platform %q", req.Platform)
	}
}

func (r *Router) placeKalshi(ctx context.Context, pair domain.MarketPair, req domain.OrderRequest) (domain.Fill, error) {
	order := kalshi.Order{
		Ticker:        pair.KalshiTicker,
		ClientOrderID: clientOrderID(req),
		Action:        actionFor(req.Side),
		Count:         int64(math.Floor(req.Size)),
	}

	switch req.Outcome {
	case domain.OutcomeYes:
		order.Side = "yes"
	case domain.OutcomeNo:
		order.Side = "no"
	}

	if req.Price == 0 {
		order.Type = "market"
	} else {
		order.Type = "limit"
		cents := int64(math.Round(req.Price * 100))
		if order.Side == "yes" {
			order.YesPrice = &cents
		} else {
			order.NoPrice = &cents
		}
	}

	resp, err := r.kalshi.PlaceOrder(ctx, order)
	if err != nil {
		return domain.Fill{}, err
	}

	filled := resp.Order.TakerFillCount
	fill := domain.Fill{
		Filled:     filled >= order.Count && order.Count > 0,
		FilledSize: float64(filled),
		OrderID:    resp.Order.OrderID,
	}
	if filled > 0 {
		fill.AvgPrice = float64(resp.Order.TakerFillCost) / 100 / float64(filled)
	}
	if !fill.Filled {
		fill.Err = fmt.Sprintf("status %s, filled %d of %d", resp.Order.Status, filled, order.Count)
		// A resting remainder would sit on the book as unwanted exposure.
		if resp.Order.Status == "resting" {
			if cancelErr := r.kalshi.CancelOrder(ctx, resp.Order.OrderID); cancelErr != nil {
				r.logger.Error("cancel resting remainder failed",
					slog.String("order_id", resp.Order.OrderID),
					slog.String("error", cancelErr.Error()),
				)
			}
		}
	}

	return fill, nil
}

func (r *Router) placePolymarket(ctx context.Context, pair domain.MarketPair, req domain.OrderRequest) (domain.Fill, error) {
	args := polymarket.OrderArgs{
		TokenID: pair.PolyTokenForOutcome(req.Outcome),
		Side:    string(req.Side),
		Price:   req.Price,
		Size:    math.Floor(req.Size),
	}

	result, err := r.clob.PostOrder(ctx, args)
	if err != nil {
		// A venue rejection still identifies the order; report it as an
		// unfilled leg rather than a transport failure.
		if result.OrderID != "" || result.ErrorMsg != "" {
			return domain.Fill{
				Filled:  false,
				OrderID: result.OrderID,
				Err:     result.ErrorMsg,
			}, nil
		}
		return domain.Fill{}, err
	}

	fill := domain.Fill{
		Filled:  result.Filled(),
		OrderID: result.OrderID,
	}
	if fill.Filled {
		fill.FilledSize, fill.AvgPrice = fillFromAmounts(result, args)
	} else {
		fill.Err = fmt.Sprintf("status %s", result.Status)
	}

	return fill, nil
}

// fillFromAmounts derives the filled size and average price from the
// exchange-reported amounts, falling back to the request when the response
// omits them.
func fillFromAmounts(result polymarket.APIOrderResult, args polymarket.OrderArgs) (size, avgPrice float64) {
	making, errM := strconv.ParseFloat(result.MakingAmount, 64)
	taking, errT := strconv.ParseFloat(result.TakingAmount, 64)
	if errM != nil || errT != nil || making <= 0 || taking <= 0 {
		price := args.Price
		if price == 0 {
			price = 0.5
		}
		return args.Size, price
	}

	// For a BUY the maker amount is collateral spent and the taker amount
	// is contracts received; a SELL is the reverse.
	if args.Side == "BUY" {
		return taking, making / taking
	}
	return making, taking / making
}

func actionFor(side domain.Side) string {
	if side == domain.SideSell {
		return "sell"
	}
	return "buy"
}

func clientOrderID(req domain.OrderRequest) string {
	if req.ClientOrderID != "" {
		return req.ClientOrderID
	}
	return uuid.NewString()
}

// --------------------------------------------------------------------------
// Paper trading
// --------------------------------------------------------------------------

// PaperGateway simulates immediate full fills at the requested price. It
// backs paper and monitor modes, where no order may reach a venue.
type PaperGateway struct {
	logger *slog.Logger
}

// NewPaperGateway creates a simulated gateway.
func NewPaperGateway(logger *slog.Logger) *PaperGateway {
	return &PaperGateway{logger: logger.With(slog.String("component", "paper_gateway"))}
}

// PlaceOrder fills the order in full at the requested price.
func (g *PaperGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}

	g.logger.Info("paper fill",
		slog.String("market_id", req.MarketID),
		slog.String("platform", string(req.Platform)),
		slog.String("outcome", string(req.Outcome)),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
	)

	return domain.Fill{
		Filled:     true,
		FilledSize: math.Floor(req.Size),
		AvgPrice:   req.Price,
		OrderID:    "paper-" + uuid.NewString(),
	}, nil
}

// --------------------------------------------------------------------------
// Balance truth
// --------------------------------------------------------------------------

// VenueTruthSource reads balances live from both venue REST APIs, serving as
// the reconciler's external truth in trade mode.
type VenueTruthSource struct {
	kalshi *kalshi.Client
	clob   *polymarket.ClobClient
}

// NewVenueTruthSource creates a truth source over the two venue clients.
func NewVenueTruthSource(kc *kalshi.Client, pc *polymarket.ClobClient) *VenueTruthSource {
	return &VenueTruthSource{kalshi: kc, clob: pc}
}

// LatestTruth queries the venue for its current available balance.
func (s *VenueTruthSource) LatestTruth(ctx context.Context, platform domain.Platform) (domain.BalanceTruth, error) {
	var available float64
	var err error

	switch platform {
	case domain.PlatformKalshi:
		available, err = s.kalshi.GetBalance(ctx)
	case domain.PlatformPolymarket:
		available, err = s.clob.GetBalance(ctx)
	default:
		return domain.BalanceTruth{}, fmt.Errorf("gateway: unknown platform %q", platform)
	}
	if err != nil {
		return domain.BalanceTruth{}, err
	}

	return domain.BalanceTruth{
		Platform:   platform,
		Available:  available,
		ObservedAt: time.Now().UTC(),
	}, nil
}
