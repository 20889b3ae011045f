package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"rentflow/config"
)

// Card implements the card-network rail. Order creation hits the processor's
// payment-intent API; webhooks carry an HMAC-SHA256 signature over the
// canonical parameter string, keyed by the webhook secret.
type Card struct {
	webhookSecret string
	client        *resty.Client
}

func NewCard(cfg config.CardConfig) *Card {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetAuthToken(cfg.APIKey)

	return &Card{
		webhookSecret: cfg.WebhookSecret,
		client:        client,
	}
}

func (c *Card) Method() string { return MethodCard }

type cardIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Error        struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CreateOrder creates a payment intent and returns the client secret the
// browser SDK confirms against.
func (c *Card) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	var out cardIntentResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"amount":      params.Amount,
			"currency":    "cny",
			"description": params.Description,
			"reference":   params.OrderRef,
			"metadata":    map[string]string{"user_id": params.UserID},
		}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/payment_intents")
	if err != nil {
		return CreateOrderResult{}, &Error{Method: MethodCard, Message: "create payment intent", Err: err}
	}
	if resp.IsError() {
		msg := out.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("processor returned %s", resp.Status())
		}
		return CreateOrderResult{}, &Error{Method: MethodCard, Message: msg}
	}
	if out.ClientSecret == "" {
		return CreateOrderResult{}, &Error{Method: MethodCard, Message: "intent response missing client secret"}
	}

	return CreateOrderResult{
		ProviderOrderID: out.ID,
		ClientSecret:    out.ClientSecret,
	}, nil
}

// VerifyCallback recomputes the HMAC over the canonical parameter string.
// Without a configured webhook secret it degrades to accept.
func (c *Card) VerifyCallback(values url.Values) CallbackAuth {
	if c.webhookSecret == "" {
		return AuthUnverified
	}

	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write([]byte(canonicalString(values, "signature")))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(values.Get("signature")), []byte(want)) {
		return AuthFailed
	}
	return AuthVerified
}

// ParseCallback normalizes a card webhook event.
func (c *Card) ParseCallback(values url.Values) (Callback, error) {
	ref := values.Get("reference")
	if ref == "" {
		return Callback{}, fmt.Errorf("provider: card callback missing reference")
	}

	cb := Callback{
		OrderRef:      ref,
		TransactionID: values.Get("payment_intent"),
		RawStatus:     values.Get("status"),
	}
	cb.Succeeded = cb.RawStatus == "succeeded"

	// Card events report amounts directly in minor units.
	if amt := values.Get("amount"); amt != "" {
		minor, err := strconv.ParseInt(amt, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("provider: card amount %q: %w", amt, err)
		}
		cb.Amount = minor
	}

	return cb, nil
}
