package payment

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// The client-assigned order reference sent to providers encodes the internal
// payment id: PAY-<uuid>-<unix>. Providers echo it back on every callback;
// it is the only correlation key the engine trusts.
const orderRefPrefix = "PAY"

var orderRefPattern = regexp.MustCompile(`^PAY-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})-(\d{10,13})$`)

// ErrBadOrderRef signals a reference that does not match the template. A
// non-matching reference is rejected, never silently ignored.
var ErrBadOrderRef = errors.New("payment: malformed order reference")

// NewOrderRef builds the order reference for a payment.
func NewOrderRef(paymentID string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", orderRefPrefix, paymentID, now.Unix())
}

// ParseOrderRef extracts the payment id from a provider-echoed reference.
func ParseOrderRef(ref string) (string, error) {
	m := orderRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrBadOrderRef, ref)
	}
	if _, err := strconv.ParseInt(m[2], 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadOrderRef, ref)
	}
	return m[1], nil
}
