package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// TruthSource provides the externally recorded balance per platform, fed by
// venue balance queries and persisted independently of the engine's own
// accounting.
type TruthSource interface {
	LatestTruth(ctx context.Context, platform domain.Platform) (domain.BalanceTruth, error)
}

// BalanceSyncer is the guard surface the reconciler corrects.
type BalanceSyncer interface {
	View(platform domain.Platform) domain.BalanceView
	Sync(platform domain.Platform, available float64)
}

// BalanceReconciler compares the guard's view against external truth.
// When they disagree beyond the tolerance, the remote value wins: the local
// view is an inference over fills and refunds, the remote one is what the
// venue will actually let us spend.
type BalanceReconciler struct {
	truth     TruthSource
	balances  BalanceSyncer
	tolerance float64
	logger    *slog.Logger
}

func NewBalanceReconciler(truth TruthSource, balances BalanceSyncer, tolerance float64, logger *slog.Logger) *BalanceReconciler {
	return &BalanceReconciler{
		truth:     truth,
		balances:  balances,
		tolerance: tolerance,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile aligns both platforms' local views with external truth. A
// missing truth row is an error; trading must not resume on an unverified
// balance.
func (r *BalanceReconciler) Reconcile(ctx context.Context) error {
	for _, p := range domain.Platforms() {
		truth, err := r.truth.LatestTruth(ctx, p)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", p, err)
		}
		local := r.balances.View(p)
		drift := math.Abs(local.Available - truth.Available)
		if drift <= r.tolerance {
			continue
		}
		r.logger.Warn("balance drift detected, adopting external truth",
			slog.String("platform", string(p)),
			slog.Float64("local", local.Available),
			slog.Float64("remote", truth.Available),
			slog.Float64("drift", drift),
		)
		r.balances.Sync(p, truth.Available)
	}
	return nil
}

// ConfirmedSince reports whether both platforms' truth rows were observed
// after t. A compromised market stays locked until this holds, because only
// a post-trade observation can prove what exposure actually remains.
func (r *BalanceReconciler) ConfirmedSince(ctx context.Context, t time.Time) (bool, error) {
	for _, p := range domain.Platforms() {
		truth, err := r.truth.LatestTruth(ctx, p)
		if err != nil {
			return false, fmt.Errorf("confirm %s: %w", p, err)
		}
		if !truth.ObservedAt.After(t) {
			return false, nil
		}
	}
	return true, nil
}
