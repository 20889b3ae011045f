package property

import "time"

// Property captures the subset of property data the payment engine needs:
// who the landlord is, for notification addressing and deposit-return
// authorization.
type Property struct {
	ID         string
	LandlordID string
	Title      string
	CreatedAt  time.Time
}
