package payment

import "time"

// Status is the lifecycle of the remote charge itself.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EscrowStatus is the custody lifecycle of completed funds. It is only
// meaningful once Status is completed; released never precedes completion.
type EscrowStatus string

const (
	EscrowNone           EscrowStatus = "none"
	EscrowHeld           EscrowStatus = "held_in_escrow"
	EscrowPendingRelease EscrowStatus = "pending_release"
	EscrowReleased       EscrowStatus = "released"
)

// Type classifies what the payment pays for.
type Type string

const (
	TypeRent       Type = "rent"
	TypeMembership Type = "membership"
	TypeServiceFee Type = "service_fee"
	TypeDeposit    Type = "deposit"
)

// Method identifies the external rail the payment runs on.
type Method string

const (
	MethodCard   Method = "card"
	MethodAlipay Method = "alipay"
	MethodWechat Method = "wechat"
)

// Reconciliation channels recorded in metadata provenance.
const (
	ChannelWebhook    = "webhook"
	ChannelReturn     = "return"
	ChannelManualPoll = "manual_poll"
	ChannelCheckIn    = "checkin"
	ChannelExplicit   = "explicit"
)

// Payment mirrors the payments table. Amount is in minor units. Metadata is
// a merge-only provenance bag: keys are added per channel, never removed.
type Payment struct {
	ID            string
	UserID        string
	Type          Type
	Amount        int64
	Status        Status
	EscrowStatus  EscrowStatus
	Method        Method
	TransactionID *string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PropertyID returns the correlated property id recorded at initiation, or
// "" when the payment is not correlated to a property.
func (p Payment) PropertyID() string {
	return metadataString(p.Metadata, "property_id")
}

// LeaseID returns the correlated lease id, or "".
func (p Payment) LeaseID() string {
	return metadataString(p.Metadata, "lease_id")
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
