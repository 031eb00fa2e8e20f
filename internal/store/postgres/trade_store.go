package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// TradeStore persists final trade results.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Record inserts one trade result. Re-recording the same opportunity is a
// no-op so pipeline replays stay idempotent.
func (s *TradeStore) Record(ctx context.Context, res domain.TradeResult) error {
	yes := legColumns(res.YesLeg)
	no := legColumns(res.NoLeg)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			opportunity_id, market_id, outcome, reason, compromised,
			yes_platform, yes_price, yes_size, yes_filled, yes_filled_size, yes_avg_price, yes_order_id,
			no_platform, no_price, no_size, no_filled, no_filled_size, no_avg_price, no_order_id,
			completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (opportunity_id) DO NOTHING`,
		res.OpportunityID, res.MarketID, string(res.Outcome), res.Reason, res.Compromised,
		yes.platform, yes.price, yes.size, yes.filled, yes.filledSize, yes.avgPrice, yes.orderID,
		no.platform, no.price, no.size, no.filled, no.filledSize, no.avgPrice, no.orderID,
		res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", res.OpportunityID, err)
	}
	return nil
}

const tradeColumns = `opportunity_id, market_id, outcome, reason, compromised,
		yes_platform, yes_price, yes_size, yes_filled, yes_filled_size, yes_avg_price, yes_order_id,
		no_platform, no_price, no_size, no_filled, no_filled_size, no_avg_price, no_order_id,
		completed_at`

// ListRecent returns the most recently completed trades.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeResult, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades ORDER BY completed_at DESC LIMIT $1`, limit)
}

// ListBefore returns trades completed before the cutoff, oldest first. The
// archiver drains these to cold storage.
func (s *TradeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+`
		FROM trades WHERE completed_at < $1
		ORDER BY completed_at ASC LIMIT $2`, cutoff, limit)
}

// DeleteBefore removes trades completed before the cutoff and reports how
// many went.
func (s *TradeStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TradeStore) queryTrades(ctx context.Context, query string, args ...any) ([]domain.TradeResult, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var list []domain.TradeResult
	for rows.Next() {
		var res domain.TradeResult
		var outcome string
		var yes, no scannedLeg
		if err := rows.Scan(
			&res.OpportunityID, &res.MarketID, &outcome, &res.Reason, &res.Compromised,
			&yes.platform, &yes.price, &yes.size, &yes.filled, &yes.filledSize, &yes.avgPrice, &yes.orderID,
			&no.platform, &no.price, &no.size, &no.filled, &no.filledSize, &no.avgPrice, &no.orderID,
			&res.CompletedAt,
		); err != nil {
			return nil, err
		}
		res.Outcome = domain.TradeOutcome(outcome)
		res.YesLeg = yes.toLegResult(domain.OutcomeYes)
		res.NoLeg = no.toLegResult(domain.OutcomeNo)
		list = append(list, res)
	}
	return list, rows.Err()
}

// SumSpend returns the total capital spent on filled legs since the given
// time, a quick operational P&L input.
func (s *TradeStore) SumSpend(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN yes_filled THEN yes_filled_size * yes_avg_price ELSE 0 END +
			CASE WHEN no_filled THEN no_filled_size * no_avg_price ELSE 0 END
		), 0)
		FROM trades WHERE completed_at >= $1`, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum trade spend: %w", err)
	}
	return sum, nil
}

// legColumns flattens an optional leg result into nullable columns.
type legValues struct {
	platform   *string
	price      *float64
	size       *float64
	filled     *bool
	filledSize *float64
	avgPrice   *float64
	orderID    *string
}

func legColumns(lr *domain.LegResult) legValues {
	if lr == nil {
		return legValues{}
	}
	platform := string(lr.Leg.Platform)
	return legValues{
		platform:   &platform,
		price:      &lr.Leg.Price,
		size:       &lr.Leg.Size,
		filled:     &lr.Fill.Filled,
		filledSize: &lr.Fill.FilledSize,
		avgPrice:   &lr.Fill.AvgPrice,
		orderID:    &lr.Fill.OrderID,
	}
}

type scannedLeg struct {
	platform   *string
	price      *float64
	size       *float64
	filled     *bool
	filledSize *float64
	avgPrice   *float64
	orderID    *string
}

func (l scannedLeg) toLegResult(outcome domain.Outcome) *domain.LegResult {
	if l.platform == nil {
		return nil
	}
	lr := &domain.LegResult{
		Leg: domain.Leg{
			Platform: domain.Platform(*l.platform),
			Outcome:  outcome,
		},
	}
	if l.price != nil {
		lr.Leg.Price = *l.price
	}
	if l.size != nil {
		lr.Leg.Size = *l.size
	}
	if l.filled != nil {
		lr.Fill.Filled = *l.filled
	}
	if l.filledSize != nil {
		lr.Fill.FilledSize = *l.filledSize
	}
	if l.avgPrice != nil {
		lr.Fill.AvgPrice = *l.avgPrice
	}
	if l.orderID != nil {
		lr.Fill.OrderID = *l.orderID
	}
	return lr
}
