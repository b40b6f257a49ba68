package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/traces"
)

// Release captures the hold and pays the payee. It is idempotent: an
// already released agreement is returned unchanged (its ledger entry is
// re-recorded in case an earlier attempt stopped after the transition).
// On capture failure the agreement stays paid_escrow and the error is
// returned.
func (c *Coordinator) Release(ctx context.Context, id string, trigger Trigger) (*Agreement, error) {
	a, _, err := c.release(ctx, id, trigger)
	return a, err
}

// release reports whether this call performed the transition.
func (c *Coordinator) release(ctx context.Context, id string, trigger Trigger) (a *Agreement, changed bool, err error) {
	if !trigger.valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidTrigger, trigger)
	}
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.AgreementID(id), traces.Trigger(string(trigger)))
	defer func() { traces.End(span, err) }()

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	a, err = c.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	switch a.PaymentStatus {
	case PaymentReleased:
		c.recordRelease(ctx, a)
		return a, false, nil
	case PaymentPaidEscrow:
	default:
		return nil, false, fmt.Errorf("%w: payment is %s", ErrInvalidState, a.PaymentStatus)
	}
	if a.ExternalPaymentRef == "" {
		return nil, false, fmt.Errorf("%w: no payment reference", ErrInvalidState)
	}

	if err := c.gateway.Capture(ctx, a.ExternalPaymentRef, gateway.IdempotencyKey(gateway.OpCapture, a.ID)); err != nil {
		c.logger.Warn("capture failed, agreement stays in escrow",
			"agreement", id, "trigger", trigger, "error", err)
		return nil, false, err
	}

	now := c.now()
	released, err := c.advance(ctx, id, PaymentPaidEscrow, PaymentReleased, func(a *Agreement) {
		a.WorkStatus = WorkCompleted
		a.ReleasedAt = &now
	})
	if errors.Is(err, ErrStateConflict) {
		current, gerr := c.store.Get(ctx, id)
		if gerr == nil && current.PaymentStatus == PaymentReleased {
			metrics.StateConflictsTotal.WithLabelValues("agreement").Inc()
			c.logger.Debug("agreement released by concurrent writer", "agreement", id, "trigger", trigger)
			c.recordRelease(ctx, current)
			return current, false, nil
		}
		return nil, false, err
	}
	if err != nil {
		// Captured but not recorded; a retry re-captures idempotently.
		return nil, false, fmt.Errorf("record release after capture: %w", err)
	}

	metrics.ReleasesTotal.WithLabelValues(string(trigger)).Inc()
	metrics.EscrowDuration.Observe(heldFor(released, now).Seconds())
	c.recordRelease(ctx, released)
	c.refresh(ctx, released.PayeeProfileID)
	c.notifier.Notify(ctx, notify.NewEvent(notify.EventAgreementReleased, released.PayeeProfileID, agreementData(released)))
	c.logger.Info("agreement released",
		"agreement", id, "trigger", trigger, "payee", released.PayeeProfileID, "net", money.Format(released.NetAmount))
	return released, true, nil
}

func (c *Coordinator) recordRelease(ctx context.Context, a *Agreement) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordRelease(ctx, a.PayeeProfileID, a.ID, a.NetAmount); err != nil {
		c.logger.Warn("failed to record release", "agreement", a.ID, "error", err)
	}
}

// Cancel voids the hold and ends the agreement as refunded or failed.
// Only a paid_escrow agreement can be canceled: a pending one may have a
// hold whose outcome is not known yet, so it is resolved by authorizing
// again or by the gateway's own report (CancelFromGateway). Canceling into
// the state the agreement is already in is a no-op. There is no wallet
// effect.
func (c *Coordinator) Cancel(ctx context.Context, id string, outcome PaymentStatus, reason string) (*Agreement, error) {
	return c.cancel(ctx, id, outcome, reason, false)
}

// CancelFromGateway applies a cancellation or payment failure the gateway
// reported for the agreement's hold. Besides paid_escrow it also ends a
// pending agreement, as failed, without calling the gateway back.
func (c *Coordinator) CancelFromGateway(ctx context.Context, id string, outcome PaymentStatus, reason string) (*Agreement, error) {
	return c.cancel(ctx, id, outcome, reason, true)
}

func (c *Coordinator) cancel(ctx context.Context, id string, outcome PaymentStatus, reason string, reported bool) (a *Agreement, err error) {
	if outcome != PaymentRefunded && outcome != PaymentFailed {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.AgreementID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err = c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := a.PaymentStatus
	switch from {
	case PaymentPaidEscrow:
	case PaymentPending:
		if !reported {
			return nil, fmt.Errorf("%w: hold outcome for pending payment is not known yet", ErrInvalidState)
		}
		outcome = PaymentFailed
	default:
		if from == outcome || (from.IsTerminal() && from != PaymentReleased) {
			return a, nil
		}
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, from)
	}

	if from == PaymentPaidEscrow && a.ExternalPaymentRef != "" {
		if err := c.gateway.Refund(ctx, a.ExternalPaymentRef, gateway.IdempotencyKey(gateway.OpRefund, a.ID)); err != nil {
			c.logger.Warn("hold cancellation failed", "agreement", id, "error", err)
			return nil, err
		}
	}

	canceled, err := c.advance(ctx, id, from, outcome, func(a *Agreement) {
		a.FailureReason = reason
	})
	if errors.Is(err, ErrStateConflict) {
		current, gerr := c.store.Get(ctx, id)
		if gerr == nil && current.PaymentStatus.IsTerminal() {
			metrics.StateConflictsTotal.WithLabelValues("agreement").Inc()
			c.logger.Debug("agreement finished by concurrent writer", "agreement", id, "status", current.PaymentStatus)
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	metrics.CancellationsTotal.WithLabelValues(string(outcome)).Inc()
	c.notifier.Notify(ctx, notify.NewEvent(notify.EventAgreementCanceled, canceled.PayeeProfileID, agreementData(canceled)))
	c.logger.Info("agreement canceled", "agreement", id, "status", outcome, "reason", reason)
	return canceled, nil
}
