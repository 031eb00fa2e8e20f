package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// OpportunityStore persists detected arbitrage opportunities.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Record inserts one detected opportunity; duplicates are ignored.
func (s *OpportunityStore) Record(ctx context.Context, opp domain.ArbitrageOpportunity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (
			id, market_id, yes_platform, yes_price, no_platform, no_price,
			cost, fee_rate, profit, size, detected_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		opp.ID, opp.MarketID,
		string(opp.BuyYes.Platform), opp.BuyYes.Price,
		string(opp.BuyNo.Platform), opp.BuyNo.Price,
		opp.Cost, opp.FeeRate, opp.Profit, opp.Size, opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// ListRecent returns the most recently detected opportunities for a market;
// an empty marketID lists across all markets.
func (s *OpportunityStore) ListRecent(ctx context.Context, marketID string, limit int) ([]domain.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, market_id, yes_platform, yes_price, no_platform, no_price,
			cost, fee_rate, profit, size, detected_at
		FROM opportunities`
	args := []any{}
	if marketID != "" {
		query += ` WHERE market_id = $1 ORDER BY detected_at DESC LIMIT $2`
		args = append(args, marketID, limit)
	} else {
		query += ` ORDER BY detected_at DESC LIMIT $1`
		args = append(args, limit)
	}

	return s.queryOpportunities(ctx, query, args...)
}

// ListBefore returns opportunities detected before the cutoff, oldest
// first. The archiver drains these to cold storage.
func (s *OpportunityStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryOpportunities(ctx, `
		SELECT id, market_id, yes_platform, yes_price, no_platform, no_price,
			cost, fee_rate, profit, size, detected_at
		FROM opportunities WHERE detected_at < $1
		ORDER BY detected_at ASC LIMIT $2`, cutoff, limit)
}

// DeleteBefore removes opportunities detected before the cutoff and reports
// how many went.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM opportunities WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OpportunityStore) queryOpportunities(ctx context.Context, query string, args ...any) ([]domain.ArbitrageOpportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var list []domain.ArbitrageOpportunity
	for rows.Next() {
		var opp domain.ArbitrageOpportunity
		var yesPlatform, noPlatform string
		if err := rows.Scan(
			&opp.ID, &opp.MarketID, &yesPlatform, &opp.BuyYes.Price,
			&noPlatform, &opp.BuyNo.Price,
			&opp.Cost, &opp.FeeRate, &opp.Profit, &opp.Size, &opp.DetectedAt,
		); err != nil {
			return nil, err
		}
		opp.BuyYes.Platform = domain.Platform(yesPlatform)
		opp.BuyYes.Outcome = domain.OutcomeYes
		opp.BuyNo.Platform = domain.Platform(noPlatform)
		opp.BuyNo.Outcome = domain.OutcomeNo
		list = append(list, opp)
	}
	return list, rows.Err()
}
