package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/gigescrow/internal/money"
)

// StripeSignatureHeader is the header Stripe signs webhook deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// Stripe implements Gateway with Stripe Connect destination charges:
// the hold is a PaymentIntent with capture_method=manual whose
// transfer_data sends the net amount to the payee's connected account,
// and withdrawals are payouts created on that connected account.
type Stripe struct {
	api           *client.API
	currency      string
	webhookSecret string
}

var _ Gateway = (*Stripe)(nil)
var _ EventParser = (*Stripe)(nil)

// NewStripe builds a Stripe client. currency is a lowercase ISO code.
func NewStripe(secretKey, webhookSecret, currency string) (*Stripe, error) {
	return newStripe(secretKey, webhookSecret, currency, nil)
}

// newStripe takes explicit backends; nil uses Stripe's API.
func newStripe(secretKey, webhookSecret, currency string, backends *stripe.Backends) (*Stripe, error) {
	if !strings.HasPrefix(secretKey, "sk_") && !strings.HasPrefix(secretKey, "rk_") {
		return nil, errors.New("stripe: secret key must start with sk_ or rk_")
	}
	if currency == "" {
		return nil, errors.New("stripe: currency is required")
	}
	return &Stripe{
		api:           client.New(secretKey, backends),
		currency:      strings.ToLower(currency),
		webhookSecret: webhookSecret,
	}, nil
}

func (s *Stripe) Authorize(ctx context.Context, req HoldRequest) (*Hold, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(money.ToMinor(req.Amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		TransferData: &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.PayeeAccount),
			Amount:      stripe.Int64(money.ToMinor(req.TransferAmount)),
		},
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	// Informational only; webhooks correlate through the stored hold ref.
	params.AddMetadata("agreement_id", req.AgreementID)
	params.AddMetadata("agreement_kind", req.Kind)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(OpAuthorize, err)
	}
	return &Hold{
		Ref:          pi.ID,
		ClientSecret: pi.ClientSecret,
		Capturable:   pi.Status == stripe.PaymentIntentStatusRequiresCapture,
	}, nil
}

// Capture captures the hold. A capture that fails because the intent was
// already captured (an earlier attempt whose response was lost) succeeds.
func (s *Stripe) Capture(ctx context.Context, ref, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := s.api.PaymentIntents.Capture(ref, params)
	if err == nil {
		return nil
	}
	if unexpectedState(err) {
		if status, gerr := s.intentStatus(ctx, ref); gerr == nil && status == stripe.PaymentIntentStatusSucceeded {
			return nil
		}
	}
	return classify(OpCapture, err)
}

// Refund cancels the uncaptured hold, releasing the authorization.
func (s *Stripe) Refund(ctx context.Context, ref, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	_, err := s.api.PaymentIntents.Cancel(ref, params)
	if err == nil {
		return nil
	}
	if unexpectedState(err) {
		if status, gerr := s.intentStatus(ctx, ref); gerr == nil && status == stripe.PaymentIntentStatusCanceled {
			return nil
		}
	}
	return classify(OpRefund, err)
}

func (s *Stripe) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(money.ToMinor(req.Amount)),
		Currency: stripe.String(s.currency),
	}
	// External account IDs route the payout; other key types (e.g. PIX keys)
	// are recorded for the account's default destination.
	if strings.HasPrefix(req.DestinationKey, "ba_") || strings.HasPrefix(req.DestinationKey, "card_") {
		params.Destination = stripe.String(req.DestinationKey)
	}
	params.Context = ctx
	params.SetStripeAccount(req.PayeeAccount)
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("withdrawal_id", req.WithdrawalID)
	params.AddMetadata("destination_type", req.DestinationType)

	po, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, classify(OpPayout, err)
	}
	if po.Status == stripe.PayoutStatusFailed || po.Status == stripe.PayoutStatusCanceled {
		return nil, &Error{Op: OpPayout, Kind: ErrRejected, Code: string(po.FailureCode), Message: po.FailureMessage}
	}
	return &Payout{Ref: po.ID}, nil
}

func (s *Stripe) PayoutCapable(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, nil
	}
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := s.api.Accounts.GetByID(account, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, classify(OpAccount, err)
	}
	return acct.PayoutsEnabled, nil
}

func (s *Stripe) intentStatus(ctx context.Context, ref string) (stripe.PaymentIntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return "", err
	}
	return pi.Status, nil
}

// ParseEvent verifies the Stripe-Signature header and maps the event onto
// an EventKind.
func (s *Stripe) ParseEvent(payload []byte, header http.Header) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get(StripeSignatureHeader), s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	switch ev.Type {
	case stripe.EventTypePaymentIntentAmountCapturableUpdated,
		stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentCanceled,
		stripe.EventTypePaymentIntentPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.PaymentRef = pi.ID
		out.Amount = money.FromMinor(pi.Amount)
		switch ev.Type {
		case stripe.EventTypePaymentIntentAmountCapturableUpdated:
			out.Kind = EventHoldCapturable
			out.Amount = money.FromMinor(pi.AmountCapturable)
		case stripe.EventTypePaymentIntentSucceeded:
			out.Kind = EventCaptured
			out.Amount = money.FromMinor(pi.AmountReceived)
		case stripe.EventTypePaymentIntentCanceled:
			out.Kind = EventCanceled
			out.Reason = string(pi.CancellationReason)
		default:
			out.Kind = EventFailed
			if pi.LastPaymentError != nil {
				out.Reason = pi.LastPaymentError.Msg
			}
		}
	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil {
			return out, fmt.Errorf("%w: charge %s has no payment intent", ErrUnhandledEvent, ch.ID)
		}
		out.Kind = EventRefunded
		out.PaymentRef = ch.PaymentIntent.ID
		out.Amount = money.FromMinor(ch.AmountRefunded)
	default:
		return out, fmt.Errorf("%w: %s", ErrUnhandledEvent, ev.Type)
	}
	return out, nil
}

func unexpectedState(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}

// classify maps a Stripe client error onto the gateway error kinds.
// Network failures are transient: every mutating call carries an
// idempotency key, so repeating it cannot double-apply.
func classify(op Op, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Op: op, Kind: ErrUnknownOutcome, Message: err.Error()}
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return &Error{Op: op, Kind: ErrTransient, Message: err.Error()}
	}

	kind := ErrRejected
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripe.ErrorTypeAPI:
		kind = ErrTransient
	case se.HTTPStatusCode == http.StatusConflict && se.Type == stripe.ErrorTypeIdempotency:
		// concurrent request with the same key still in flight
		kind = ErrTransient
	}
	return &Error{Op: op, Kind: kind, Code: string(se.Code), Message: se.Msg}
}
