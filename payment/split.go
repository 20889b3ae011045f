package payment

import "fmt"

// SplitRates carries the externally configured fee rates in basis points.
type SplitRates struct {
	PlatformBps int64
	AgentBps    int64
}

// Split is the deterministic three-way division of a released amount. The
// components always sum exactly to the gross amount: both fees round down
// and the truncated remainder stays with the landlord.
type Split struct {
	PlatformFee int64
	AgentFee    int64
	LandlordNet int64
}

// ComputeSplit divides amount (minor units) per the configured rates.
// hasAgent controls whether the agent fee applies at all.
func ComputeSplit(amount int64, rates SplitRates, hasAgent bool) (Split, error) {
	if amount <= 0 {
		return Split{}, fmt.Errorf("payment: split amount must be positive, got %d", amount)
	}
	if rates.PlatformBps < 0 || rates.AgentBps < 0 {
		return Split{}, fmt.Errorf("payment: negative fee rate")
	}
	if rates.PlatformBps+rates.AgentBps >= 10000 {
		return Split{}, fmt.Errorf("payment: fee rates consume the entire amount")
	}

	s := Split{
		PlatformFee: amount * rates.PlatformBps / 10000,
	}
	if hasAgent {
		s.AgentFee = amount * rates.AgentBps / 10000
	}
	s.LandlordNet = amount - s.PlatformFee - s.AgentFee

	return s, nil
}
