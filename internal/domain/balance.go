package domain

import (
	"time"

	"github.com/google/uuid"
)

// BalanceView is a read-only copy of one platform's available balance. The
// version counter increases monotonically with every mutation, so readers
// can detect that a view has gone stale.
type BalanceView struct {
	Platform  Platform
	Available float64
	Version   uint64
	UpdatedAt time.Time
}

// Reservation is a provisional, undoable hold against available balance
// pending trade settlement. It must be settled or released exactly once.
type Reservation struct {
	ID        uuid.UUID
	Platform  Platform
	Amount    float64
	Version   uint64 // balance version at grant time
	GrantedAt time.Time
}

// BalanceTruth is one externally observed balance row used by the
// reconciler: what the venue itself reported, and when.
type BalanceTruth struct {
	Platform   Platform
	Available  float64
	ObservedAt time.Time
}
