// Package webhooks receives gateway notifications and routes them to the
// escrow coordinator.
//
// Notifications are correlated through the payment reference stored when
// the hold was placed, never through gateway metadata. Every kind maps to
// an idempotent coordinator call, and an agreement that is already
// terminal absorbs any late or out-of-order event, so a "refunded" or
// "failed" after "released" never un-releases.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/idempotency"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/traces"
)

// DefaultReplayTTL is how long a handled (ref, kind) pair is remembered.
const DefaultReplayTTL = 24 * time.Hour

// Outcome describes what a notification did.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeNoop       Outcome = "noop"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeUnknownRef Outcome = "unknown_ref"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeFailed     Outcome = "failed"
	// OutcomeAmountMismatch: the gateway reported a hold or capture for a
	// different amount than the agreement. Nothing is applied.
	OutcomeAmountMismatch Outcome = "amount_mismatch"
)

// Coordinator is the escrow surface the router drives.
type Coordinator interface {
	ConfirmHold(ctx context.Context, externalRef string) (*escrow.Agreement, error)
	Release(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Agreement, error)
	CancelFromGateway(ctx context.Context, id string, outcome escrow.PaymentStatus, reason string) (*escrow.Agreement, error)
}

// Agreements resolves a payment reference to its agreement.
type Agreements interface {
	FindCorrelation(ctx context.Context, externalRef string) (*escrow.Correlation, error)
	Get(ctx context.Context, id string) (*escrow.Agreement, error)
}

// Router dispatches verified gateway events.
type Router struct {
	coordinator Coordinator
	agreements  Agreements
	guard       idempotency.Guard
	ttl         time.Duration
	logger      *slog.Logger
}

// NewRouter creates a router. A nil guard uses a process-local one.
func NewRouter(coordinator Coordinator, agreements Agreements, guard idempotency.Guard, logger *slog.Logger) *Router {
	if guard == nil {
		guard = idempotency.NewMemoryGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		coordinator: coordinator,
		agreements:  agreements,
		guard:       guard,
		ttl:         DefaultReplayTTL,
		logger:      logger,
	}
}

// Dispatch applies ev. The returned error is set only for OutcomeFailed;
// the event may then be redelivered and retried.
func (r *Router) Dispatch(ctx context.Context, ev *gateway.Event) (outcome Outcome, err error) {
	ctx, span := traces.StartSpan(ctx, "webhooks.Dispatch", traces.Reference(ev.PaymentRef))
	defer func() {
		traces.End(span, err)
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
	}()

	if ev.PaymentRef == "" {
		return OutcomeIgnored, nil
	}

	key := ev.PaymentRef + ":" + string(ev.Kind)
	first, gerr := r.guard.CheckAndMark(ctx, key, r.ttl)
	if gerr != nil {
		r.logger.Warn("webhook replay guard unavailable", "key", key, "error", gerr)
		first = true
	}
	if !first {
		r.logger.Debug("duplicate webhook", "ref", ev.PaymentRef, "kind", ev.Kind)
		return OutcomeDuplicate, nil
	}

	outcome, err = r.apply(ctx, ev)
	if outcome == OutcomeFailed || outcome == OutcomeUnknownRef {
		// let a redelivery try again
		if ferr := r.guard.Forget(ctx, key); ferr != nil {
			r.logger.Warn("webhook replay guard forget failed", "key", key, "error", ferr)
		}
	}
	return outcome, err
}

func (r *Router) apply(ctx context.Context, ev *gateway.Event) (Outcome, error) {
	corr, err := r.agreements.FindCorrelation(ctx, ev.PaymentRef)
	if errors.Is(err, escrow.ErrCorrelationNotFound) {
		r.logger.Warn("webhook for unknown payment reference", "ref", ev.PaymentRef, "kind", ev.Kind)
		return OutcomeUnknownRef, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("find correlation: %w", err)
	}

	a, err := r.agreements.Get(ctx, corr.AgreementID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("load agreement %s: %w", corr.AgreementID, err)
	}
	if a.PaymentStatus.IsTerminal() {
		r.logger.Debug("webhook for terminal agreement",
			"agreement", a.ID, "status", a.PaymentStatus, "kind", ev.Kind)
		return OutcomeNoop, nil
	}

	if amountChecked(ev.Kind) && !ev.Amount.IsZero() && !ev.Amount.Equal(a.GrossAmount) {
		r.logger.Error("webhook amount does not match agreement",
			"agreement", a.ID, "kind", ev.Kind, "reported", ev.Amount.StringFixed(2), "expected", a.GrossAmount.StringFixed(2))
		return OutcomeAmountMismatch, nil
	}

	before := a.PaymentStatus
	switch ev.Kind {
	case gateway.EventHoldCapturable:
		a, err = r.coordinator.ConfirmHold(ctx, ev.PaymentRef)
	case gateway.EventCaptured:
		a, err = r.coordinator.Release(ctx, a.ID, escrow.TriggerWebhookCapture)
	case gateway.EventCanceled, gateway.EventRefunded:
		a, err = r.coordinator.CancelFromGateway(ctx, a.ID, escrow.PaymentRefunded, reason(ev, "hold canceled at gateway"))
	case gateway.EventFailed:
		a, err = r.coordinator.CancelFromGateway(ctx, a.ID, escrow.PaymentFailed, reason(ev, "payment failed at gateway"))
	default:
		return OutcomeIgnored, nil
	}

	switch {
	case errors.Is(err, escrow.ErrInvalidState):
		// out of order: the agreement moved somewhere this event cannot follow
		r.logger.Info("webhook does not apply to agreement state",
			"agreement", corr.AgreementID, "kind", ev.Kind, "error", err)
		return OutcomeNoop, nil
	case err != nil:
		r.logger.Warn("webhook handling failed",
			"agreement", corr.AgreementID, "kind", ev.Kind, "error", err)
		return OutcomeFailed, err
	case a.PaymentStatus == before:
		return OutcomeNoop, nil
	}

	r.logger.Info("webhook applied",
		"agreement", a.ID, "kind", ev.Kind, "from", before, "to", a.PaymentStatus)
	return OutcomeApplied, nil
}

func amountChecked(k gateway.EventKind) bool {
	return k == gateway.EventHoldCapturable || k == gateway.EventCaptured
}

func reason(ev *gateway.Event, fallback string) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return fallback
}
