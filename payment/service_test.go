package payment

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"rentflow/provider"
)

type fakeCreationStore struct {
	createErr   error
	created     CreateParams
	recordCalls int
	recordMeta  map[string]any
}

func (f *fakeCreationStore) Create(ctx context.Context, params CreateParams) (Payment, error) {
	if f.createErr != nil {
		return Payment{}, f.createErr
	}
	f.created = params
	return Payment{
		ID:       testPaymentID,
		UserID:   params.UserID,
		Type:     params.Type,
		Amount:   params.Amount,
		Status:   StatusPending,
		Method:   params.Method,
		Metadata: params.Metadata,
	}, nil
}

func (f *fakeCreationStore) RecordProviderRef(ctx context.Context, id string, transactionID string, meta map[string]any) error {
	f.recordCalls++
	f.recordMeta = meta
	return nil
}

type failingAdapter struct {
	fakeAdapter
}

func (f *failingAdapter) CreateOrder(ctx context.Context, params provider.CreateOrderParams) (provider.CreateOrderResult, error) {
	return provider.CreateOrderResult{}, &provider.Error{Method: provider.MethodAlipay, Message: "gateway unreachable"}
}

func TestInitiate_CreatesPendingAndRemoteOrder(t *testing.T) {
	store := &fakeCreationStore{}
	svc := NewService(store, map[Method]provider.Adapter{MethodAlipay: &fakeAdapter{}}, zap.NewNop())

	p, checkout, err := svc.Initiate(context.Background(), InitiateParams{
		UserID:     "tenant-1",
		Type:       TypeRent,
		Amount:     280000,
		Method:     MethodAlipay,
		PropertyID: "prop-1",
		LeaseID:    "lease-1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("expected pending payment, got %s", p.Status)
	}
	if store.created.Metadata["property_id"] != "prop-1" || store.created.Metadata["lease_id"] != "lease-1" {
		t.Errorf("expected correlation keys in metadata, got %v", store.created.Metadata)
	}
	if checkout.OrderRef == "" || checkout.PaymentURL == "" {
		t.Errorf("expected checkout details, got %+v", checkout)
	}
	if id, err := ParseOrderRef(checkout.OrderRef); err != nil || id != testPaymentID {
		t.Errorf("order ref does not encode the payment id: %q", checkout.OrderRef)
	}
	if store.recordCalls != 1 || store.recordMeta["order_ref"] != checkout.OrderRef {
		t.Errorf("expected order ref to be recorded, got %v", store.recordMeta)
	}
}

func TestInitiate_ValidationRejections(t *testing.T) {
	store := &fakeCreationStore{}
	svc := NewService(store, map[Method]provider.Adapter{MethodAlipay: &fakeAdapter{}}, zap.NewNop())

	cases := []InitiateParams{
		{UserID: "tenant-1", Type: TypeRent, Amount: 0, Method: MethodAlipay},
		{UserID: "tenant-1", Type: TypeRent, Amount: -100, Method: MethodAlipay},
		{UserID: "tenant-1", Type: "tip", Amount: 100, Method: MethodAlipay},
		{UserID: "tenant-1", Type: TypeRent, Amount: 100, Method: "cash"},
	}

	for i, params := range cases {
		if _, _, err := svc.Initiate(context.Background(), params); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if store.created.UserID != "" {
		t.Errorf("expected no payment row for rejected requests")
	}
}

func TestInitiate_ProviderFailureLeavesPending(t *testing.T) {
	store := &fakeCreationStore{}
	svc := NewService(store, map[Method]provider.Adapter{MethodAlipay: &failingAdapter{}}, zap.NewNop())

	p, _, err := svc.Initiate(context.Background(), InitiateParams{
		UserID: "tenant-1",
		Type:   TypeRent,
		Amount: 280000,
		Method: MethodAlipay,
	})

	var provErr *provider.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if p.ID == "" || p.Status != StatusPending {
		t.Errorf("expected the created payment back, still pending, got %+v", p)
	}
	if store.recordCalls != 0 {
		t.Errorf("expected no order ref recording on provider failure")
	}
}
