package balance

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fletchtrade/fletcher/internal/domain"
)

func newTestGuard(t *testing.T, shutdown, minimum float64) *Guard {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGuard(shutdown, minimum, logger)
}

func TestReserveAndSettleRefundsDelta(t *testing.T) {
	g := newTestGuard(t, 10, 5)
	g.Sync(domain.PlatformKalshi, 100)

	res, err := g.Reserve(domain.PlatformKalshi, 40)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := g.View(domain.PlatformKalshi).Available; got != 60 {
		t.Fatalf("available after reserve = %v, want 60", got)
	}

	// Actual spend came in under the hold; the difference is refunded.
	if err := g.Settle(res, 35); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := g.View(domain.PlatformKalshi).Available; got != 65 {
		t.Fatalf("available after settle = %v, want 65", got)
	}
	if n := g.PendingCount(); n != 0 {
		t.Fatalf("pending reservations = %d, want 0", n)
	}
}

func TestReserveDeclinedAtShutdownBalance(t *testing.T) {
	g := newTestGuard(t, 10, 5)
	g.Sync(domain.PlatformPolymarket, 50)

	// 50 - 41 = 9 < 10 breaches the shutdown floor.
	if _, err := g.Reserve(domain.PlatformPolymarket, 41); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("reserve err = %v, want ErrInsufficientBalance", err)
	}
	if got := g.View(domain.PlatformPolymarket).Available; got != 50 {
		t.Fatalf("declined reserve mutated balance: %v", got)
	}

	// Exactly at the floor is allowed.
	if _, err := g.Reserve(domain.PlatformPolymarket, 40); err != nil {
		t.Fatalf("reserve at floor: %v", err)
	}
}

func TestReleaseRestoresFullAmount(t *testing.T) {
	g := newTestGuard(t, 0, 5)
	g.Sync(domain.PlatformKalshi, 100)

	res, err := g.Reserve(domain.PlatformKalshi, 30)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := g.Release(res); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := g.View(domain.PlatformKalshi).Available; got != 100 {
		t.Fatalf("available after release = %v, want 100", got)
	}
}

func TestSettleExactlyOnce(t *testing.T) {
	g := newTestGuard(t, 0, 5)
	g.Sync(domain.PlatformKalshi, 100)

	res, err := g.Reserve(domain.PlatformKalshi, 20)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := g.Settle(res, 20); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := g.Settle(res, 20); !errors.Is(err, domain.ErrReservationSettled) {
		t.Fatalf("second settle err = %v, want ErrReservationSettled", err)
	}
	if err := g.Release(res); !errors.Is(err, domain.ErrReservationSettled) {
		t.Fatalf("release after settle err = %v, want ErrReservationSettled", err)
	}
}

func TestMinimumWalletHalt(t *testing.T) {
	g := newTestGuard(t, 0, 25)
	g.Sync(domain.PlatformKalshi, 100)
	g.Sync(domain.PlatformPolymarket, 30)

	if g.TradingHalted() {
		t.Fatal("halted with both balances above minimum")
	}

	res, err := g.Reserve(domain.PlatformPolymarket, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// 30 - 10 = 20 < 25: one platform below minimum halts the system.
	if !g.IsBelowMinimum(domain.PlatformPolymarket) {
		t.Fatal("expected polymarket below minimum")
	}
	if g.IsBelowMinimum(domain.PlatformKalshi) {
		t.Fatal("kalshi should remain above minimum")
	}
	if !g.TradingHalted() {
		t.Fatal("expected trading halted")
	}

	if err := g.Release(res); err != nil {
		t.Fatalf("release: %v", err)
	}
	if g.TradingHalted() {
		t.Fatal("halt should clear once balance recovers")
	}
}

func TestVersionBumpsOnEveryMutation(t *testing.T) {
	g := newTestGuard(t, 0, 0)
	g.Sync(domain.PlatformKalshi, 100)
	v0 := g.View(domain.PlatformKalshi).Version

	res, err := g.Reserve(domain.PlatformKalshi, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	v1 := g.View(domain.PlatformKalshi).Version
	if v1 <= v0 {
		t.Fatalf("version not bumped by reserve: %d -> %d", v0, v1)
	}
	if err := g.Settle(res, 10); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if v2 := g.View(domain.PlatformKalshi).Version; v2 <= v1 {
		t.Fatalf("version not bumped by settle: %d -> %d", v1, v2)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	g := newTestGuard(t, 0, 0)
	g.Sync(domain.PlatformKalshi, 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []domain.Reservation
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Reserve(domain.PlatformKalshi, 7)
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// floor(100/7) = 14 reservations fit.
	if len(granted) != 14 {
		t.Fatalf("granted %d reservations, want 14", len(granted))
	}
	if got := g.View(domain.PlatformKalshi).Available; got != 100-14*7 {
		t.Fatalf("available = %v, want %v", got, 100-14*7)
	}
	for _, res := range granted {
		if err := g.Release(res); err != nil {
			t.Fatalf("release %s: %v", res.ID, err)
		}
	}
	if got := g.View(domain.PlatformKalshi).Available; got != 100 {
		t.Fatalf("available after releasing all = %v, want 100", got)
	}
}
