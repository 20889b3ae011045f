package deposit

import "time"

// Status enumerates the deposit lifecycle.
type Status string

const (
	StatusHeldInEscrow Status = "held_in_escrow"
	StatusDisputed     Status = "disputed"
	StatusReturned     Status = "returned"
)

// DisputeStatus enumerates the dispute lifecycle.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Deposit is a tenant's security deposit held against a property. Returned
// is terminal. Amounts are minor units.
type Deposit struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	PropertyID   string         `json:"propertyId"`
	Amount       int64          `json:"amount"`
	Status       Status         `json:"status"`
	DisputeID    *string        `json:"disputeId,omitempty"`
	ReturnAmount *int64         `json:"returnAmount,omitempty"`
	Deductions   map[string]any `json:"deductions,omitempty"`
	ActualReturn *time.Time     `json:"actualReturn,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Dispute records a disagreement over a deposit. Each party's claim lives in
// its own column and is never written by the other side.
type Dispute struct {
	ID            string        `json:"id"`
	DepositID     string        `json:"depositId"`
	TenantID      string        `json:"tenantId"`
	LandlordID    string        `json:"landlordId"`
	Reason        string        `json:"reason"`
	TenantClaim   *string       `json:"tenantClaim,omitempty"`
	LandlordClaim *string       `json:"landlordClaim,omitempty"`
	Status        DisputeStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}
