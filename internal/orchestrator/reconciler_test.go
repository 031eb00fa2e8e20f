package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fletchtrade/fletcher/internal/domain"
)

type fakeTruth struct {
	rows map[domain.Platform]domain.BalanceTruth
	err  error
}

func (f *fakeTruth) LatestTruth(_ context.Context, p domain.Platform) (domain.BalanceTruth, error) {
	if f.err != nil {
		return domain.BalanceTruth{}, f.err
	}
	return f.rows[p], nil
}

type fakeSyncer struct {
	views  map[domain.Platform]float64
	synced map[domain.Platform]float64
}

func (f *fakeSyncer) View(p domain.Platform) domain.BalanceView {
	return domain.BalanceView{Platform: p, Available: f.views[p]}
}

func (f *fakeSyncer) Sync(p domain.Platform, available float64) {
	if f.synced == nil {
		f.synced = make(map[domain.Platform]float64)
	}
	f.synced[p] = available
	f.views[p] = available
}

func TestReconcileAdoptsRemoteBeyondTolerance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	truth := &fakeTruth{rows: map[domain.Platform]domain.BalanceTruth{
		domain.PlatformKalshi:     {Platform: domain.PlatformKalshi, Available: 95, ObservedAt: time.Now()},
		domain.PlatformPolymarket: {Platform: domain.PlatformPolymarket, Available: 200.3, ObservedAt: time.Now()},
	}}
	syncer := &fakeSyncer{views: map[domain.Platform]float64{
		domain.PlatformKalshi:     100, // drift 5, beyond tolerance
		domain.PlatformPolymarket: 200, // drift 0.3, within tolerance
	}}
	r := NewBalanceReconciler(truth, syncer, 0.5, logger)

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got, ok := syncer.synced[domain.PlatformKalshi]; !ok || got != 95 {
		t.Fatalf("kalshi not synced to remote truth: %v", syncer.synced)
	}
	if _, ok := syncer.synced[domain.PlatformPolymarket]; ok {
		t.Fatal("drift within tolerance must not trigger a sync")
	}
}

func TestReconcileFailsWithoutTruth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	truth := &fakeTruth{err: errors.New("no rows")}
	syncer := &fakeSyncer{views: map[domain.Platform]float64{}}
	r := NewBalanceReconciler(truth, syncer, 0.5, logger)

	if err := r.Reconcile(context.Background()); err == nil {
		t.Fatal("expected error when truth is unavailable")
	}
}

func TestConfirmedSinceRequiresBothPlatformsFresh(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cutoff := time.Now()
	truth := &fakeTruth{rows: map[domain.Platform]domain.BalanceTruth{
		domain.PlatformKalshi:     {Available: 100, ObservedAt: cutoff.Add(time.Second)},
		domain.PlatformPolymarket: {Available: 100, ObservedAt: cutoff.Add(-time.Second)},
	}}
	r := NewBalanceReconciler(truth, &fakeSyncer{views: map[domain.Platform]float64{}}, 0.5, logger)

	ok, err := r.ConfirmedSince(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if ok {
		t.Fatal("stale polymarket observation must not confirm")
	}

	truth.rows[domain.PlatformPolymarket] = domain.BalanceTruth{Available: 100, ObservedAt: cutoff.Add(time.Second)}
	ok, err = r.ConfirmedSince(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("fresh observations on both platforms must confirm")
	}
}
