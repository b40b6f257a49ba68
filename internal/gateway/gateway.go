// Package gateway is the adapter boundary to the external payment gateway.
//
// Flow:
//  1. Authorize places a manual-capture hold for the gross amount, tagged
//     with the net amount to transfer to the payee's connected account
//  2. Capture settles the hold (escrow release)
//  3. Refund cancels an uncaptured hold
//  4. Payout moves available funds from the payee's account to their
//     payout destination (withdrawal)
//
// Every mutating call carries a caller-supplied idempotency key (the
// agreement or withdrawal ID plus the operation) so a retried call after
// a timeout can never move money twice.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Error kinds. Every error returned by a Gateway wraps exactly one of them.
var (
	// ErrTransient means the call failed before taking effect (5xx, rate
	// limit, network, open circuit). Retry; state is unchanged.
	ErrTransient = errors.New("gateway temporarily unavailable")
	// ErrRejected means the gateway refused the request. Terminal.
	ErrRejected = errors.New("gateway rejected request")
	// ErrUnknownOutcome means the call timed out; it may or may not have
	// taken effect. Reconcile by retrying with the same idempotency key.
	ErrUnknownOutcome = errors.New("gateway outcome unknown")
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnhandledEvent   = errors.New("unhandled webhook event")
)

// Op names a gateway operation (metrics, breaker keys, idempotency keys).
type Op string

const (
	OpAuthorize Op = "authorize"
	OpCapture   Op = "capture"
	OpRefund    Op = "refund"
	OpPayout    Op = "payout"
	OpAccount   Op = "account"
)

// IdempotencyKey builds the key sent with a mutating call for the entity id.
func IdempotencyKey(op Op, id string) string {
	return string(op) + ":" + id
}

// Error is a classified gateway failure.
type Error struct {
	Op      Op
	Kind    error // ErrTransient, ErrRejected or ErrUnknownOutcome
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %v: %s (%s)", e.Op, e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s: %v: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// Reason returns a short human-readable failure reason for persistence.
func Reason(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Message != "" {
		return ge.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether err leaves state non-terminal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrUnknownOutcome)
}

// HoldRequest asks for a manual-capture hold.
type HoldRequest struct {
	AgreementID    string
	Kind           string
	Amount         decimal.Decimal // gross charged to the payer
	TransferAmount decimal.Decimal // net transferred to the payee on capture
	PayeeAccount   string
	IdempotencyKey string
}

// Hold is a placed (or pending-confirmation) hold.
type Hold struct {
	Ref          string `json:"holdRef"`
	ClientSecret string `json:"clientSecret,omitempty"`
	// Capturable is true when funds are already authorized. Otherwise the
	// payer still has to confirm client-side and a webhook follows.
	Capturable bool `json:"capturable"`
}

// PayoutRequest moves funds from a payee account to a payout destination.
type PayoutRequest struct {
	WithdrawalID    string
	PayeeAccount    string
	Amount          decimal.Decimal
	DestinationKey  string
	DestinationType string
	IdempotencyKey  string
}

// Payout is a payout accepted by the gateway.
type Payout struct {
	Ref string `json:"payoutRef"`
}

// Gateway is the payment gateway client. One instance is built per process
// and injected into the services that move money.
type Gateway interface {
	Authorize(ctx context.Context, req HoldRequest) (*Hold, error)
	Capture(ctx context.Context, ref, idempotencyKey string) error
	Refund(ctx context.Context, ref, idempotencyKey string) error
	Payout(ctx context.Context, req PayoutRequest) (*Payout, error)
	// PayoutCapable reports whether account can receive transfers and payouts.
	PayoutCapable(ctx context.Context, account string) (bool, error)
}

// EventKind is the gateway-neutral meaning of an asynchronous notification.
type EventKind string

const (
	EventHoldCapturable EventKind = "hold_capturable"
	EventCaptured       EventKind = "captured"
	EventCanceled       EventKind = "canceled"
	EventRefunded       EventKind = "refunded"
	EventFailed         EventKind = "payment_failed"
)

// Event is a verified gateway notification.
type Event struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	PaymentRef string          `json:"paymentRef"`
	Reason     string          `json:"reason,omitempty"`
	Type       string          `json:"type,omitempty"` // gateway's own event type
	Amount     decimal.Decimal `json:"amount"`         // held, captured or refunded; zero if not reported
}

// EventParser verifies and decodes webhook deliveries. A signature failure
// wraps ErrInvalidSignature; a verified event this system does not act on
// wraps ErrUnhandledEvent.
type EventParser interface {
	ParseEvent(payload []byte, header http.Header) (*Event, error)
}
