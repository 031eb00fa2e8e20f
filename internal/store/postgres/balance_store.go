package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// BalanceStore persists externally observed venue balances and serves the
// most recent observation per platform to the reconciler.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// RecordTruth appends one observed balance row.
func (s *BalanceStore) RecordTruth(ctx context.Context, truth domain.BalanceTruth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balance_truth (platform, available, observed_at)
		VALUES ($1, $2, $3)`,
		string(truth.Platform), truth.Available, truth.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert balance truth: %w", err)
	}
	return nil
}

// LatestTruth returns the most recent observation for a platform. A platform
// with no rows yet returns ErrNotFound; trading must not resume on a truth
// that was never observed.
func (s *BalanceStore) LatestTruth(ctx context.Context, platform domain.Platform) (domain.BalanceTruth, error) {
	var truth domain.BalanceTruth
	var p string
	err := s.pool.QueryRow(ctx, `
		SELECT platform, available, observed_at
		FROM balance_truth WHERE platform = $1
		ORDER BY observed_at DESC LIMIT 1`,
		string(platform),
	).Scan(&p, &truth.Available, &truth.ObservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BalanceTruth{}, fmt.Errorf("postgres: %w: no balance truth for %s", domain.ErrNotFound, platform)
		}
		return domain.BalanceTruth{}, fmt.Errorf("postgres: latest balance truth %s: %w", platform, err)
	}
	truth.Platform = domain.Platform(p)
	return truth, nil
}

// PruneBefore deletes observations older than the cutoff, keeping the table
// from growing without bound.
func (s *BalanceStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM balance_truth WHERE observed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("postgres: prune balance truth: %w", err)
	}
	return nil
}
