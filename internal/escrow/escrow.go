// Package escrow owns the agreement payment lifecycle.
//
// Flow:
//  1. Create registers an accepted proposal or negotiation (payment none)
//  2. Authorize computes fees and places a manual-capture hold for the
//     gross amount: none → pending → paid_escrow
//  3. MarkWorkDelivered starts the confirmation window (no money moves)
//  4. Release captures the hold: paid_escrow → released. Triggered by the
//     payer, the auto-release sweep, or a gateway capture webhook
//  5. Cancel voids the hold: paid_escrow → refunded | failed
//
// Every transition is a compare-and-set on payment_status; a writer that
// loses the race observes the winner's state and short-circuits.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/syncutil"
)

var (
	ErrAgreementNotFound   = errors.New("agreement not found")
	ErrAgreementExists     = errors.New("agreement already exists")
	ErrCorrelationNotFound = errors.New("no agreement for payment reference")
	ErrInvalidState        = errors.New("invalid agreement state for this operation")
	ErrStateConflict       = errors.New("agreement changed concurrently")
	ErrPayeeNotPayable     = errors.New("payee cannot receive payouts")
	ErrInvalidKind         = errors.New("invalid agreement kind")
	ErrInvalidTrigger      = errors.New("invalid release trigger")
	ErrInvalidOutcome      = errors.New("cancel outcome must be refunded or failed")
	ErrInvalidParty        = errors.New("payer and payee must be distinct profiles")
)

// DefaultConfirmationWindow is how long a payer has to confirm delivered
// work before the sweep releases the hold.
const DefaultConfirmationWindow = 72 * time.Hour

// Kind is what the agreement originated from.
type Kind string

const (
	KindProposal    Kind = "proposal"
	KindNegotiation Kind = "negotiation"
)

// PaymentStatus is the money state of an agreement.
type PaymentStatus string

const (
	PaymentNone       PaymentStatus = "none"
	PaymentPending    PaymentStatus = "pending"
	PaymentPaidEscrow PaymentStatus = "paid_escrow"
	PaymentReleased   PaymentStatus = "released"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// IsTerminal reports whether no further payment transition is possible.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentReleased || s == PaymentRefunded || s == PaymentFailed
}

// transitions is the only allowed forward movement of payment_status.
var transitions = map[PaymentStatus][]PaymentStatus{
	PaymentNone:       {PaymentPending},
	PaymentPending:    {PaymentPaidEscrow, PaymentFailed},
	PaymentPaidEscrow: {PaymentReleased, PaymentRefunded, PaymentFailed},
}

// CanAdvance reports whether from → to is a legal transition.
func CanAdvance(from, to PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkStatus is the delivery state of an agreement.
type WorkStatus string

const (
	WorkPending             WorkStatus = "pending"
	WorkFreelancerCompleted WorkStatus = "freelancer_completed"
	WorkCompleted           WorkStatus = "completed"
)

// Trigger records who caused a release.
type Trigger string

const (
	TriggerPayerConfirmed Trigger = "payer_confirmed"
	TriggerAutoTimeout    Trigger = "auto_timeout"
	TriggerWebhookCapture Trigger = "webhook_capture"
)

func (t Trigger) valid() bool {
	return t == TriggerPayerConfirmed || t == TriggerAutoTimeout || t == TriggerWebhookCapture
}

// Agreement is the payment record of an accepted proposal or negotiation.
// Agreements are never deleted.
type Agreement struct {
	ID                   string          `json:"id"`
	Kind                 Kind            `json:"kind"`
	PayerID              string          `json:"payerId"`
	PayeeProfileID       string          `json:"payeeProfileId"`
	GrossAmount          decimal.Decimal `json:"grossAmount"`
	CommissionPercent    decimal.Decimal `json:"commissionPercent"`
	PlatformFee          decimal.Decimal `json:"platformFee"`
	GatewayFee           decimal.Decimal `json:"gatewayFee"`
	NetAmount            decimal.Decimal `json:"netAmount"`
	PaymentStatus        PaymentStatus   `json:"paymentStatus"`
	WorkStatus           WorkStatus      `json:"workStatus"`
	ExternalPaymentRef   string          `json:"externalPaymentRef,omitempty"`
	ConfirmationDeadline *time.Time      `json:"confirmationDeadline,omitempty"`
	HeldAt               *time.Time      `json:"heldAt,omitempty"`
	ReleasedAt           *time.Time      `json:"releasedAt,omitempty"`
	FailureReason        string          `json:"failureReason,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Correlation ties a gateway payment reference to its agreement. It is
// written when the hold is created and is the only way webhooks find
// their agreement.
type Correlation struct {
	ExternalRef string    `json:"externalRef"`
	AgreementID string    `json:"agreementId"`
	Kind        Kind      `json:"kind"`
	CreatedAt   time.Time `json:"createdAt"`
}

// DueCursor positions a page of due agreements. The zero value starts at
// the beginning.
type DueCursor struct {
	Deadline time.Time
	ID       string
}

// Store persists agreements.
type Store interface {
	Create(ctx context.Context, a *Agreement) error
	Get(ctx context.Context, id string) (*Agreement, error)
	// Mutate loads the agreement under a row lock, applies fn and saves
	// the result atomically. If fn returns an error nothing is written.
	Mutate(ctx context.Context, id string, fn func(a *Agreement) error) (*Agreement, error)
	ListByProfile(ctx context.Context, profileID string, limit int) ([]*Agreement, error)
	// ListByPayee returns every agreement of the payee (wallet derivation).
	ListByPayee(ctx context.Context, payeeID string) ([]*Agreement, error)
	// ListDueForRelease returns up to limit paid_escrow agreements with
	// delivered work whose confirmation deadline is before now, ordered by
	// (deadline, id) and strictly after the cursor.
	ListDueForRelease(ctx context.Context, now time.Time, after DueCursor, limit int) ([]*Agreement, error)
	SaveCorrelation(ctx context.Context, c *Correlation) error
	FindCorrelation(ctx context.Context, externalRef string) (*Correlation, error)
}

// PayeeDirectory answers the plan and payout-account lookups.
type PayeeDirectory interface {
	CommissionPercent(ctx context.Context, profileID string) (decimal.Decimal, error)
	GatewayAccount(ctx context.Context, profileID string) (string, error)
}

// LedgerRecorder appends idempotent ledger entries.
type LedgerRecorder interface {
	RecordHold(ctx context.Context, profileID, agreementID string, net decimal.Decimal) error
	RecordRelease(ctx context.Context, profileID, agreementID string, net decimal.Decimal) error
}

// BalanceRefresher recomputes a payee's wallet.
type BalanceRefresher interface {
	Refresh(ctx context.Context, profileID string) error
}

// CreateRequest registers an agreement.
type CreateRequest struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	PayerID        string `json:"payerId"`
	PayeeProfileID string `json:"payeeProfileId"`
	GrossAmount    string `json:"grossAmount"`
}

// Coordinator drives agreement payment transitions.
type Coordinator struct {
	store    Store
	gateway  gateway.Gateway
	fees     *fees.Calculator
	payees   PayeeDirectory
	journal  LedgerRecorder
	balances BalanceRefresher
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(store Store, gw gateway.Gateway, calc *fees.Calculator, payees PayeeDirectory, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		gateway:  gw,
		fees:     calc,
		payees:   payees,
		notifier: notify.Nop{},
		locks:    syncutil.NewKeyedMutex(0),
		window:   DefaultConfirmationWindow,
		now:      time.Now,
		logger:   logger,
	}
}

// WithJournal adds a ledger recorder.
func (c *Coordinator) WithJournal(j LedgerRecorder) *Coordinator {
	c.journal = j
	return c
}

// WithBalances adds the wallet refresher run after holds and releases.
func (c *Coordinator) WithBalances(b BalanceRefresher) *Coordinator {
	c.balances = b
	return c
}

// WithNotifier adds a notification sink.
func (c *Coordinator) WithNotifier(n notify.Notifier) *Coordinator {
	if n != nil {
		c.notifier = n
	}
	return c
}

// WithConfirmationWindow overrides DefaultConfirmationWindow.
func (c *Coordinator) WithConfirmationWindow(d time.Duration) *Coordinator {
	if d > 0 {
		c.window = d
	}
	return c
}

// Store exposes the agreement store (wallet derivation, webhooks).
func (c *Coordinator) Store() Store {
	return c.store
}

// Create registers an agreement with payment_status none.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Agreement, error) {
	if req.Kind != KindProposal && req.Kind != KindNegotiation {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if req.PayerID == "" || req.PayeeProfileID == "" || req.PayerID == req.PayeeProfileID {
		return nil, ErrInvalidParty
	}
	gross, err := money.Parse(req.GrossAmount)
	if err != nil || !gross.IsPositive() {
		return nil, fmt.Errorf("%w: %q", fees.ErrInvalidAmount, req.GrossAmount)
	}

	id := req.ID
	if id == "" {
		id = idgen.WithPrefix("agr_")
	}
	now := c.now()
	a := &Agreement{
		ID:             id,
		Kind:           req.Kind,
		PayerID:        req.PayerID,
		PayeeProfileID: req.PayeeProfileID,
		GrossAmount:    gross,
		PaymentStatus:  PaymentNone,
		WorkStatus:     WorkPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("create agreement: %w", err)
	}
	return a, nil
}

// Get returns an agreement.
func (c *Coordinator) Get(ctx context.Context, id string) (*Agreement, error) {
	return c.store.Get(ctx, id)
}

// ListByProfile returns agreements where the profile is payer or payee.
func (c *Coordinator) ListByProfile(ctx context.Context, profileID string, limit int) ([]*Agreement, error) {
	return c.store.ListByProfile(ctx, profileID, limit)
}

// MarkWorkDelivered records the payee's delivery and opens the
// confirmation window. No money moves.
func (c *Coordinator) MarkWorkDelivered(ctx context.Context, id string) (*Agreement, error) {
	return c.store.Mutate(ctx, id, func(a *Agreement) error {
		if a.WorkStatus != WorkPending {
			return fmt.Errorf("%w: work is %s", ErrInvalidState, a.WorkStatus)
		}
		if a.PaymentStatus == PaymentRefunded || a.PaymentStatus == PaymentFailed {
			return fmt.Errorf("%w: payment is %s", ErrInvalidState, a.PaymentStatus)
		}
		deadline := c.now().Add(c.window)
		a.WorkStatus = WorkFreelancerCompleted
		a.ConfirmationDeadline = &deadline
		return nil
	})
}

// expect returns a Mutate precondition on payment_status.
func expect(statuses ...PaymentStatus) func(a *Agreement) error {
	return func(a *Agreement) error {
		for _, s := range statuses {
			if a.PaymentStatus == s {
				return nil
			}
		}
		return fmt.Errorf("%w: payment is %s", ErrStateConflict, a.PaymentStatus)
	}
}

// advance applies a CAS transition from → to, running apply on success.
func (c *Coordinator) advance(ctx context.Context, id string, from, to PaymentStatus, apply func(a *Agreement)) (*Agreement, error) {
	if !CanAdvance(from, to) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidState, from, to)
	}
	return c.store.Mutate(ctx, id, func(a *Agreement) error {
		if err := expect(from)(a); err != nil {
			return err
		}
		a.PaymentStatus = to
		if apply != nil {
			apply(a)
		}
		return nil
	})
}

func (c *Coordinator) refresh(ctx context.Context, profileID string) {
	if c.balances == nil {
		return
	}
	if err := c.balances.Refresh(ctx, profileID); err != nil {
		c.logger.Warn("wallet recompute failed", "profile", profileID, "error", err)
	}
}

func agreementData(a *Agreement) map[string]any {
	return map[string]any{
		"agreementId":   a.ID,
		"kind":          a.Kind,
		"paymentStatus": a.PaymentStatus,
		"grossAmount":   money.Format(a.GrossAmount),
		"netAmount":     money.Format(a.NetAmount),
	}
}
