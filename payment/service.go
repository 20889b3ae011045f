package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rentflow/metrics"
	"rentflow/provider"
)

// ErrValidation signals a malformed initiation request.
var ErrValidation = errors.New("payment: validation failed")

// InitiateParams describes a payment the tenant wants to make.
type InitiateParams struct {
	UserID      string
	Type        Type
	Amount      int64 // minor units
	Method      Method
	PropertyID  string
	LeaseID     string
	Description string
	ReturnURL   string
	NotifyURL   string
}

// Checkout carries what the client needs to continue the payment on the
// chosen rail.
type Checkout struct {
	OrderRef        string
	ProviderOrderID string
	PaymentURL      string
	ClientSecret    string
}

// CreationStore is the slice of the repository the initiator needs.
type CreationStore interface {
	Create(ctx context.Context, params CreateParams) (Payment, error)
	RecordProviderRef(ctx context.Context, id string, transactionID string, meta map[string]any) error
}

// Service creates payments and places the corresponding remote orders.
type Service struct {
	repo     CreationStore
	adapters map[Method]provider.Adapter
	log      *zap.Logger
	now      func() time.Time
}

func NewService(repo CreationStore, adapters map[Method]provider.Adapter, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		adapters: adapters,
		log:      log,
		now:      time.Now,
	}
}

// Initiate records a pending payment and creates the remote order. A failed
// remote call surfaces as a provider error and leaves the payment pending
// and inert; the caller decides whether to retry with a fresh payment.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (Payment, Checkout, error) {
	if params.Amount <= 0 {
		return Payment{}, Checkout{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !isValidType(params.Type) {
		return Payment{}, Checkout{}, fmt.Errorf("%w: invalid payment type %q", ErrValidation, params.Type)
	}
	ad, ok := s.adapters[params.Method]
	if !ok {
		return Payment{}, Checkout{}, fmt.Errorf("%w: unknown payment method %q", ErrValidation, params.Method)
	}

	meta := map[string]any{
		"initiated_at": s.now().UTC().Format(time.RFC3339),
	}
	if params.PropertyID != "" {
		meta["property_id"] = params.PropertyID
	}
	if params.LeaseID != "" {
		meta["lease_id"] = params.LeaseID
	}

	p, err := s.repo.Create(ctx, CreateParams{
		UserID:   params.UserID,
		Type:     params.Type,
		Amount:   params.Amount,
		Method:   params.Method,
		Metadata: meta,
	})
	if err != nil {
		return Payment{}, Checkout{}, err
	}

	orderRef := NewOrderRef(p.ID, s.now())
	res, err := ad.CreateOrder(ctx, provider.CreateOrderParams{
		OrderRef:    orderRef,
		UserID:      params.UserID,
		Amount:      params.Amount,
		Description: params.Description,
		ReturnURL:   params.ReturnURL,
		NotifyURL:   params.NotifyURL,
	})
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(string(params.Method)).Inc()
		s.log.Error("remote order creation failed; payment stays pending",
			zap.String("payment_id", p.ID),
			zap.String("method", string(params.Method)),
			zap.Error(err))
		return p, Checkout{}, err
	}

	refMeta := map[string]any{"order_ref": orderRef}
	if res.ProviderOrderID != "" {
		refMeta["provider_order_id"] = res.ProviderOrderID
	}
	if err := s.repo.RecordProviderRef(ctx, p.ID, "", refMeta); err != nil {
		s.log.Warn("could not record order reference", zap.String("payment_id", p.ID), zap.Error(err))
	}

	return p, Checkout{
		OrderRef:        orderRef,
		ProviderOrderID: res.ProviderOrderID,
		PaymentURL:      res.PaymentURL,
		ClientSecret:    res.ClientSecret,
	}, nil
}

func isValidType(t Type) bool {
	switch t {
	case TypeRent, TypeMembership, TypeServiceFee, TypeDeposit:
		return true
	default:
		return false
	}
}
