package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/traces"
)

// AuthorizeResult is what the payer's client needs to finish paying.
type AuthorizeResult struct {
	Agreement    *Agreement `json:"agreement"`
	HoldRef      string     `json:"holdRef"`
	ClientSecret string     `json:"clientSecret,omitempty"`
}

// Authorize places the escrow hold. It runs from none, or resumes from
// pending after a transient failure or unknown outcome: the hold request
// reuses the same idempotency key, so the gateway returns the original
// hold rather than creating a second one.
//
// If the gateway reports the hold as capturable the agreement moves to
// paid_escrow immediately; otherwise it stays pending until the
// hold_capturable webhook arrives (ConfirmHold).
func (c *Coordinator) Authorize(ctx context.Context, id string) (result *AuthorizeResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Authorize", traces.AgreementID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PaymentStatus != PaymentNone && a.PaymentStatus != PaymentPending {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidState, a.PaymentStatus)
	}

	split, err := c.split(ctx, a)
	if err != nil {
		return nil, err
	}
	account, err := c.payableAccount(ctx, a.PayeeProfileID)
	if err != nil {
		return nil, err
	}

	if a.PaymentStatus == PaymentNone {
		a, err = c.advance(ctx, id, PaymentNone, PaymentPending, func(a *Agreement) {
			a.CommissionPercent = split.CommissionPercent
			a.PlatformFee = split.PlatformFee
			a.GatewayFee = split.GatewayFee
			a.NetAmount = split.Net
		})
		if err != nil {
			return nil, err
		}
	}

	hold, err := c.gateway.Authorize(ctx, gateway.HoldRequest{
		AgreementID:    a.ID,
		Kind:           string(a.Kind),
		Amount:         a.GrossAmount,
		TransferAmount: a.NetAmount,
		PayeeAccount:   account,
		IdempotencyKey: gateway.IdempotencyKey(gateway.OpAuthorize, a.ID),
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			metrics.HoldsTotal.WithLabelValues("rejected").Inc()
			reason := gateway.Reason(err)
			if _, ferr := c.advance(ctx, id, PaymentPending, PaymentFailed, func(a *Agreement) {
				a.FailureReason = reason
			}); ferr != nil {
				c.logger.Warn("failed to mark rejected hold", "agreement", id, "error", ferr)
			}
			c.logger.Info("hold rejected", "agreement", id, "reason", reason)
			return nil, err
		}
		// Transient or unknown: stay pending, retry Authorize with the same key.
		metrics.HoldsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// Correlation first: a webhook for this hold can arrive at any moment.
	if err := c.store.SaveCorrelation(ctx, &Correlation{
		ExternalRef: hold.Ref,
		AgreementID: a.ID,
		Kind:        a.Kind,
		CreatedAt:   c.now(),
	}); err != nil {
		return nil, fmt.Errorf("save correlation for %s: %w", hold.Ref, err)
	}

	a, err = c.store.Mutate(ctx, id, func(a *Agreement) error {
		if a.PaymentStatus != PaymentPending {
			// a webhook confirmed the hold first
			return nil
		}
		a.ExternalPaymentRef = hold.Ref
		if hold.Capturable {
			now := c.now()
			a.PaymentStatus = PaymentPaidEscrow
			a.HeldAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record hold %s: %w", hold.Ref, err)
	}

	if a.PaymentStatus == PaymentPaidEscrow {
		c.held(ctx, a)
	} else {
		metrics.HoldsTotal.WithLabelValues("pending").Inc()
	}
	return &AuthorizeResult{Agreement: a, HoldRef: hold.Ref, ClientSecret: hold.ClientSecret}, nil
}

// ConfirmHold advances a pending agreement to paid_escrow once the gateway
// reports its hold as capturable. Agreements already past pending are
// returned unchanged.
func (c *Coordinator) ConfirmHold(ctx context.Context, externalRef string) (*Agreement, error) {
	corr, err := c.store.FindCorrelation(ctx, externalRef)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, corr.AgreementID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var changed bool
	a, err := c.store.Mutate(ctx, corr.AgreementID, func(a *Agreement) error {
		if a.PaymentStatus != PaymentPending {
			return nil
		}
		now := c.now()
		a.PaymentStatus = PaymentPaidEscrow
		a.ExternalPaymentRef = externalRef
		a.HeldAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.held(ctx, a)
	}
	return a, nil
}

// held runs the side effects of entering paid_escrow.
func (c *Coordinator) held(ctx context.Context, a *Agreement) {
	metrics.HoldsTotal.WithLabelValues("paid_escrow").Inc()
	if c.journal != nil {
		if err := c.journal.RecordHold(ctx, a.PayeeProfileID, a.ID, a.NetAmount); err != nil {
			c.logger.Warn("failed to record hold", "agreement", a.ID, "error", err)
		}
	}
	c.refresh(ctx, a.PayeeProfileID)
	c.notifier.Notify(ctx, notify.NewEvent(notify.EventAgreementHeld, a.PayeeProfileID, agreementData(a)))
	c.logger.Info("agreement held in escrow",
		"agreement", a.ID, "gross", money.Format(a.GrossAmount), "net", money.Format(a.NetAmount))
}

// split computes the fee split. A pending agreement keeps the split it was
// first authorized with.
func (c *Coordinator) split(ctx context.Context, a *Agreement) (fees.Split, error) {
	if a.PaymentStatus == PaymentPending {
		return fees.Split{
			Gross:             a.GrossAmount,
			CommissionPercent: a.CommissionPercent,
			PlatformFee:       a.PlatformFee,
			GatewayFee:        a.GatewayFee,
			Net:               a.NetAmount,
		}, nil
	}
	pct, err := c.payees.CommissionPercent(ctx, a.PayeeProfileID)
	if err != nil {
		return fees.Split{}, fmt.Errorf("commission lookup: %w", err)
	}
	return c.fees.Compute(a.GrossAmount, pct)
}

// payableAccount returns the payee's gateway account if it can receive
// transfers.
func (c *Coordinator) payableAccount(ctx context.Context, payeeID string) (string, error) {
	account, err := c.payees.GatewayAccount(ctx, payeeID)
	if errors.Is(err, profiles.ErrNoGatewayAccount) {
		return "", fmt.Errorf("%w: no gateway account", ErrPayeeNotPayable)
	}
	if err != nil {
		return "", fmt.Errorf("gateway account lookup: %w", err)
	}
	ok, err := c.gateway.PayoutCapable(ctx, account)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: account %s cannot receive payouts", ErrPayeeNotPayable, account)
	}
	return account, nil
}

// heldFor returns how long an agreement was in escrow.
func heldFor(a *Agreement, now time.Time) time.Duration {
	if a.HeldAt == nil {
		return 0
	}
	return now.Sub(*a.HeldAt)
}
