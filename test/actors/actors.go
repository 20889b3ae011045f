package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rentflow/deposit"
	"rentflow/lease"
	"rentflow/payment"
	"rentflow/provider"
)

// StubRail is a deterministic provider adapter for integration runs. It
// echoes what the wire values say and never talks to a network.
type StubRail struct{}

func (StubRail) Method() string { return provider.MethodAlipay }

func (StubRail) CreateOrder(ctx context.Context, params provider.CreateOrderParams) (provider.CreateOrderResult, error) {
	return provider.CreateOrderResult{
		ProviderOrderID: "stub-" + params.OrderRef,
		PaymentURL:      "https://rail.test/pay?ref=" + url.QueryEscape(params.OrderRef),
	}, nil
}

func (StubRail) VerifyCallback(values url.Values) provider.CallbackAuth {
	if values.Get("sign") == "bad" {
		return provider.AuthFailed
	}
	return provider.AuthVerified
}

func (StubRail) ParseCallback(values url.Values) (provider.Callback, error) {
	status := values.Get("trade_status")
	return provider.Callback{
		OrderRef:      values.Get("out_trade_no"),
		TransactionID: values.Get("trade_no"),
		RawStatus:     status,
		Succeeded:     status == "TRADE_SUCCESS",
	}, nil
}

// SuccessValues builds the callback a rail sends for a paid order.
func SuccessValues(orderRef, transactionID string) url.Values {
	return url.Values{
		"out_trade_no": {orderRef},
		"trade_no":     {transactionID},
		"trade_status": {"TRADE_SUCCESS"},
	}
}

// WebhookPusher redelivers the same success webhook over and over, the way
// rails retry until acknowledged.
func WebhookPusher(ctx context.Context, rec *payment.Reconciler, orderRef, transactionID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := rec.HandleWebhook(ctx, payment.MethodAlipay, SuccessValues(orderRef, transactionID)); err != nil {
			return fmt.Errorf("webhook pusher: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// ReturnCaller races the webhook channel with browser return redirects
// carrying the same trade outcome.
func ReturnCaller(ctx context.Context, rec *payment.Reconciler, orderRef, transactionID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := rec.HandleReturn(ctx, payment.MethodAlipay, SuccessValues(orderRef, transactionID)); err != nil {
			return fmt.Errorf("return caller: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// StatusPoller hammers the manual check endpoint as the payment's owner.
func StatusPoller(ctx context.Context, rec *payment.Reconciler, tenantID, paymentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := rec.CheckStatus(ctx, tenantID, paymentID); err != nil {
			return fmt.Errorf("status poller: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// CheckinCaller retries check-in; everything after the first success must
// come back as an invalid-state rejection, never a double release.
func CheckinCaller(ctx context.Context, svc *lease.Service, tenantID, leaseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.CheckIn(ctx, tenantID, leaseID); err != nil && !errors.Is(err, lease.ErrInvalidState) {
			return fmt.Errorf("checkin caller: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// ExplicitReleaser races the check-in path with owner-triggered releases.
func ExplicitReleaser(ctx context.Context, rel *payment.Releaser, tenantID, paymentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := rel.Release(ctx, tenantID, paymentID); err != nil && !errors.Is(err, payment.ErrInvalidState) {
			return fmt.Errorf("explicit releaser: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer repeatedly tries to open a dispute; only the first attempt may
// succeed, the rest must see invalid state.
func Disputer(ctx context.Context, svc *deposit.Service, tenantID, depositID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.OpenDispute(ctx, tenantID, depositID, deposit.DisputeParams{
			Reason: "contested deductions",
			Claim:  "unit left clean",
		})
		if err != nil && !errors.Is(err, deposit.ErrInvalidState) {
			return fmt.Errorf("disputer: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, marking them
// processed, so notification consumption runs alongside the producers.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("outbox worker: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				_ = tx.Rollback(ctx)
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', processed_at=now(), attempts=attempts+1 WHERE id=$1`, id); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}
