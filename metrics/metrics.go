package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileTransitions counts reconciliation attempts by channel and
	// outcome. Outcome "completed" is the first effective transition,
	// "noop" an idempotent replay, "rejected" a refused payload.
	ReconcileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentflow_reconcile_transitions_total",
		Help: "Payment reconciliation attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// UnverifiedCallbacks counts provider callbacks accepted without a
	// cryptographic signature check. Operators are expected to alert on
	// this in hardened deployments.
	UnverifiedCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentflow_unverified_callbacks_total",
		Help: "Provider callbacks accepted without signature verification.",
	}, []string{"method", "channel"})

	// ProviderErrors counts failed remote order creations per rail.
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentflow_provider_errors_total",
		Help: "Failed remote provider calls by payment method.",
	}, []string{"method"})

	// EscrowReleases counts fund releases by trigger.
	EscrowReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentflow_escrow_releases_total",
		Help: "Escrow releases by trigger (checkin, explicit).",
	}, []string{"trigger"})
)
