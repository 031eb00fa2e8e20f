// Package balance maintains the per-platform available-balance view and the
// reservation protocol that guards capital commitment: reserve before
// execution, settle against the real spend afterwards, release on failure.
package balance

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fletchtrade/fletcher/internal/domain"
)

// Guard owns one balance view per platform. Two distinct thresholds apply:
// ShutdownBalance rejects a single reservation that would breach it;
// MinimumWalletBalance halts new opportunity evaluation system-wide.
type Guard struct {
	shutdownBalance float64
	minimumWallet   float64
	logger          *slog.Logger

	mu      sync.Mutex
	views   map[domain.Platform]*view
	pending map[uuid.UUID]domain.Reservation
}

type view struct {
	available float64
	version   uint64
	updatedAt time.Time
}

// NewGuard creates a Guard with zero balances for both platforms; call Sync
// to seed the views from venue truth before trading.
func NewGuard(shutdownBalance, minimumWallet float64, logger *slog.Logger) *Guard {
	g := &Guard{
		shutdownBalance: shutdownBalance,
		minimumWallet:   minimumWallet,
		logger:          logger.With(slog.String("component", "balance_guard")),
		views:           make(map[domain.Platform]*view),
		pending:         make(map[uuid.UUID]domain.Reservation),
	}
	for _, p := range domain.Platforms() {
		g.views[p] = &view{}
	}
	return g
}

// View returns a copy of one platform's balance view.
func (g *Guard) View(platform domain.Platform) domain.BalanceView {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.views[platform]
	return domain.BalanceView{
		Platform:  platform,
		Available: v.available,
		Version:   v.version,
		UpdatedAt: v.updatedAt,
	}
}

// Reserve places a provisional hold of amount against the platform's
// available balance. It succeeds only if available-amount stays at or above
// the shutdown balance; a decline returns ErrInsufficientBalance and leaves
// state untouched. Check and commit happen under one lock, so the hold is
// atomic against every other mutation; the version bump stamps the view for
// the reconciler.
func (g *Guard) Reserve(platform domain.Platform, amount float64) (domain.Reservation, error) {
	if amount <= 0 {
		return domain.Reservation{}, fmt.Errorf("balance: reserve %.4f on %s: %w", amount, platform, domain.ErrInvalidOrder)
	}

	g.mu.Lock()
	v := g.views[platform]

	if v.available-amount < g.shutdownBalance {
		available := v.available
		g.mu.Unlock()
		g.logger.Warn("reservation declined",
			slog.String("platform", string(platform)),
			slog.Float64("amount", amount),
			slog.Float64("available", available),
			slog.Float64("shutdown_balance", g.shutdownBalance),
		)
		return domain.Reservation{}, domain.ErrInsufficientBalance
	}

	v.available -= amount
	v.version++
	v.updatedAt = time.Now().UTC()

	res := domain.Reservation{
		ID:        uuid.New(),
		Platform:  platform,
		Amount:    amount,
		Version:   v.version,
		GrantedAt: v.updatedAt,
	}
	g.pending[res.ID] = res
	g.mu.Unlock()

	g.logger.Debug("reservation granted",
		slog.String("platform", string(platform)),
		slog.String("reservation_id", res.ID.String()),
		slog.Float64("amount", amount),
	)
	return res, nil
}

// Settle reconciles a reservation against the real spend, refunding the
// delta when the actual spend came in under the hold. Each reservation can
// be settled or released exactly once.
func (g *Guard) Settle(res domain.Reservation, actualSpend float64) error {
	if actualSpend < 0 {
		return fmt.Errorf("balance: settle: negative spend %.4f", actualSpend)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.pending[res.ID]
	if !ok {
		return fmt.Errorf("balance: settle %s: %w", res.ID, domain.ErrReservationSettled)
	}
	delete(g.pending, res.ID)

	refund := held.Amount - actualSpend
	if refund < 0 {
		// Spend above the hold means slippage went against the locked
		// price; absorb it and surface loudly.
		g.logger.Error("settlement exceeded reservation",
			slog.String("platform", string(held.Platform)),
			slog.Float64("reserved", held.Amount),
			slog.Float64("actual_spend", actualSpend),
		)
	}

	v := g.views[held.Platform]
	v.available += refund
	v.version++
	v.updatedAt = time.Now().UTC()
	return nil
}

// Release fully refunds a reservation whose execution never left custody.
func (g *Guard) Release(res domain.Reservation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.pending[res.ID]
	if !ok {
		return fmt.Errorf("balance: release %s: %w", res.ID, domain.ErrReservationSettled)
	}
	delete(g.pending, res.ID)

	v := g.views[held.Platform]
	v.available += held.Amount
	v.version++
	v.updatedAt = time.Now().UTC()
	return nil
}

// IsBelowMinimum reports whether the platform's available balance has fallen
// under the minimum wallet threshold, which disables new opportunity
// evaluation system-wide.
func (g *Guard) IsBelowMinimum(platform domain.Platform) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.views[platform].available < g.minimumWallet
}

// TradingHalted reports whether any platform is below the minimum wallet
// balance.
func (g *Guard) TradingHalted() bool {
	for _, p := range domain.Platforms() {
		if g.IsBelowMinimum(p) {
			return true
		}
	}
	return false
}

// Sync overwrites a platform's available balance with externally observed
// truth, bumping the version so in-flight readers notice. Used at startup
// and by the reconciler when local and remote views diverge.
func (g *Guard) Sync(platform domain.Platform, available float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.views[platform]
	v.available = available
	v.version++
	v.updatedAt = time.Now().UTC()
	g.logger.Info("balance synced",
		slog.String("platform", string(platform)),
		slog.Float64("available", available),
	)
}

// PendingCount returns the number of unsettled reservations, for shutdown
// draining and tests.
func (g *Guard) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
