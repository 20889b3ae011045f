package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Payment method identifiers. They double as route segments for the
// webhook/return endpoints.
const (
	MethodCard   = "card"
	MethodAlipay = "alipay"
	MethodWechat = "wechat"
)

// CreateOrderParams is the engine's intent, translated by each adapter into a
// rail-specific remote call. Adapters never mutate payment records.
type CreateOrderParams struct {
	// OrderRef is the client-assigned order reference. It encodes the
	// internal payment id and is echoed back on every callback.
	OrderRef    string
	UserID      string
	Amount      int64 // minor units
	Description string
	ReturnURL   string
	NotifyURL   string
}

// CreateOrderResult is the normalized outcome of a remote order creation.
// Redirect rails populate PaymentURL; the card rail returns a ClientSecret
// for its browser SDK.
type CreateOrderResult struct {
	ProviderOrderID string
	PaymentURL      string
	ClientSecret    string
}

// CallbackAuth reports the signature-verification outcome for an inbound
// callback.
type CallbackAuth int

const (
	// AuthFailed means a key is configured and the signature did not verify.
	AuthFailed CallbackAuth = iota
	// AuthVerified means the signature checked out against the provider key.
	AuthVerified
	// AuthUnverified means no key material is configured so verification
	// degraded to accept. Callers must make this observable.
	AuthUnverified
)

// Callback is a provider notification normalized across rails.
type Callback struct {
	OrderRef      string
	TransactionID string
	RawStatus     string
	Succeeded     bool
	Amount        int64 // minor units as reported by the rail, 0 when absent
}

// Adapter is implemented once per external payment rail.
type Adapter interface {
	Method() string
	CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error)
	VerifyCallback(values url.Values) CallbackAuth
	ParseCallback(values url.Values) (Callback, error)
}

// Error wraps a failed provider interaction, keeping the rail's own message
// available for diagnostics. Order-creation failures are returned, never
// retried here; the caller decides.
type Error struct {
	Method  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %s: %v", e.Method, e.Message, e.Err)
	}
	return fmt.Sprintf("provider: %s: %s", e.Method, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// canonicalString builds the rail-conventional "k1=v1&k2=v2" signing string
// over the sorted parameter names, skipping excluded keys and empty values.
func canonicalString(values url.Values, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if skip[k] || values.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	return strings.Join(pairs, "&")
}

// minorUnits parses a provider decimal amount string ("2800.00") into int64
// minor units, rejecting sub-cent precision.
func minorUnits(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("provider: parse amount %q: %w", s, err)
	}
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("provider: amount %q has sub-cent precision", s)
	}
	return shifted.IntPart(), nil
}

// formatAmount renders int64 minor units as the "2800.00" string rails expect.
func formatAmount(minor int64) string {
	return decimal.NewFromInt(minor).Shift(-2).StringFixed(2)
}
