package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

func newTestReleaser(store *fakeCompletionStore, agents *fakeAgents) (*Releaser, *fakePool, *fakeEmitter) {
	pool := &fakePool{}
	emitter := &fakeEmitter{}
	dir := &fakeDirectory{landlordID: "landlord-1"}
	rel := NewReleaser(pool, store, dir, agents, emitter, SplitRates{PlatformBps: 500, AgentBps: 200}, zap.NewNop())
	rel.now = func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }
	return rel, pool, emitter
}

func heldPayment() Payment {
	return Payment{
		ID:           testPaymentID,
		UserID:       "tenant-1",
		Type:         TypeRent,
		Amount:       280000,
		Status:       StatusCompleted,
		EscrowStatus: EscrowHeld,
		Method:       MethodAlipay,
		Metadata:     map[string]any{"property_id": "prop-1", "lease_id": "lease-1"},
	}
}

func TestRelease_OwnerGetsSplit(t *testing.T) {
	store := &fakeCompletionStore{payment: heldPayment()}
	rel, pool, emitter := newTestReleaser(store, &fakeAgents{hasAgent: true})

	res, err := rel.Release(context.Background(), "tenant-1", testPaymentID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Payment.EscrowStatus != EscrowReleased {
		t.Errorf("expected released escrow, got %s", res.Payment.EscrowStatus)
	}
	if sum := res.Split.PlatformFee + res.Split.AgentFee + res.Split.LandlordNet; sum != 280000 {
		t.Errorf("split does not conserve: %+v", res.Split)
	}
	if res.Split.AgentFee == 0 {
		t.Errorf("expected agent fee for a brokered lease")
	}
	if len(emitter.topics) != 1 || emitter.topics[0] != "payment.released" {
		t.Errorf("expected one payment.released notification, got %v", emitter.topics)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if store.releaseMeta["released_via"] != ChannelExplicit {
		t.Errorf("expected explicit release provenance, got %v", store.releaseMeta)
	}
}

func TestRelease_NoAgentNoAgentFee(t *testing.T) {
	store := &fakeCompletionStore{payment: heldPayment()}
	rel, _, _ := newTestReleaser(store, &fakeAgents{hasAgent: false})

	res, err := rel.Release(context.Background(), "tenant-1", testPaymentID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Split.AgentFee != 0 {
		t.Errorf("expected zero agent fee, got %d", res.Split.AgentFee)
	}
	if res.Split.PlatformFee+res.Split.LandlordNet != 280000 {
		t.Errorf("split does not conserve: %+v", res.Split)
	}
}

func TestRelease_ForbiddenForStranger(t *testing.T) {
	store := &fakeCompletionStore{payment: heldPayment()}
	rel, pool, emitter := newTestReleaser(store, &fakeAgents{})

	_, err := rel.Release(context.Background(), "someone-else", testPaymentID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if pool.tx != nil {
		t.Errorf("expected no transaction for a forbidden caller")
	}
	if store.releaseCalls != 0 {
		t.Errorf("expected no release attempt")
	}
	if len(emitter.topics) != 0 {
		t.Errorf("expected no notification, got %v", emitter.topics)
	}
}

func TestRelease_NoPrematureRelease(t *testing.T) {
	p := heldPayment()
	p.Status = StatusPending
	p.EscrowStatus = EscrowNone
	store := &fakeCompletionStore{payment: p}
	rel, _, emitter := newTestReleaser(store, &fakeAgents{})

	_, err := rel.Release(context.Background(), "tenant-1", testPaymentID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a pending payment, got %v", err)
	}
	if len(emitter.topics) != 0 {
		t.Errorf("expected no notification, got %v", emitter.topics)
	}
}

func TestRelease_AlreadyReleasedRejected(t *testing.T) {
	store := &fakeCompletionStore{payment: heldPayment(), releaseErr: ErrInvalidState}
	rel, _, _ := newTestReleaser(store, &fakeAgents{})

	_, err := rel.Release(context.Background(), "tenant-1", testPaymentID)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestReleaseForLeaseTx_ReleasesCorrelatedRent(t *testing.T) {
	store := &fakeCompletionStore{payment: heldPayment()}
	rel, _, emitter := newTestReleaser(store, &fakeAgents{hasAgent: true})

	released, err := rel.ReleaseForLeaseTx(context.Background(), &fakeTx{}, "tenant-1", "lease-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !released {
		t.Errorf("expected funds to be released")
	}
	if store.releaseMeta["released_via"] != ChannelCheckIn {
		t.Errorf("expected checkin provenance, got %v", store.releaseMeta)
	}
	if len(emitter.topics) != 1 || emitter.topics[0] != "payment.released" {
		t.Errorf("expected one payment.released notification, got %v", emitter.topics)
	}
}

func TestReleaseForLeaseTx_MissingPaymentIsNotAnError(t *testing.T) {
	store := &fakeCompletionStore{}
	rel, _, emitter := newTestReleaser(store, &fakeAgents{})

	released, err := rel.ReleaseForLeaseTx(context.Background(), &fakeTx{}, "tenant-1", "lease-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if released {
		t.Errorf("expected no release without a correlated payment")
	}
	if len(emitter.topics) != 0 {
		t.Errorf("expected no notification, got %v", emitter.topics)
	}
}

func TestReleaseForLeaseTx_AlreadyReleasedIsNoop(t *testing.T) {
	p := heldPayment()
	p.EscrowStatus = EscrowReleased
	store := &fakeCompletionStore{payment: p}
	rel, _, _ := newTestReleaser(store, &fakeAgents{})

	released, err := rel.ReleaseForLeaseTx(context.Background(), &fakeTx{}, "tenant-1", "lease-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if released {
		t.Errorf("expected replayed check-in to be a no-op")
	}
	if store.releaseCalls != 0 {
		t.Errorf("expected no release attempt")
	}
}

type fakeAgents struct {
	hasAgent bool
	err      error
}

func (f *fakeAgents) HasAgentTx(ctx context.Context, tx pgx.Tx, leaseID string) (bool, error) {
	return f.hasAgent, f.err
}
