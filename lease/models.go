package lease

import "time"

// Status is the lease lifecycle. Check-in moves a pending lease to active.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
)

// Lease mirrors the leases table columns the engine touches.
type Lease struct {
	ID          string
	PropertyID  string
	TenantID    string
	AgentID     *string
	MonthlyRent int64 // minor units
	Status      Status
	ActivatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CheckInResult is the outcome of a tenant check-in. FundsReleased is false
// when no correlated rent payment was found; occupancy confirmation succeeds
// regardless.
type CheckInResult struct {
	LeaseID       string
	Status        Status
	FundsReleased bool
}
