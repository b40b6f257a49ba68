package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/gateway"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/ledger"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/notify"
	"github.com/mbd888/gigescrow/internal/profiles"
	"github.com/mbd888/gigescrow/internal/syncutil"
	"github.com/mbd888/gigescrow/internal/traces"
	"github.com/mbd888/gigescrow/internal/wallet"
)

// BalanceSource recomputes a payee's wallet. wallet.Ledger implements it.
type BalanceSource interface {
	Recompute(ctx context.Context, profileID string) (*wallet.Wallet, error)
}

// PayeeDirectory resolves where a payee's money goes.
type PayeeDirectory interface {
	GatewayAccount(ctx context.Context, profileID string) (string, error)
	PayoutDestination(ctx context.Context, profileID string) (*profiles.Destination, error)
}

// Request is the body of POST /withdrawals. A nil destination uses the
// payee's registered one.
type Request struct {
	PayeeProfileID string                `json:"payeeProfileId"`
	Amount         string                `json:"amount"`
	Destination    *profiles.Destination `json:"payoutDestination,omitempty"`
}

// Processor validates, pays out and settles withdrawals. Work for one
// payee is serialised in-process; the store's wallet lock covers other
// replicas.
type Processor struct {
	store    Store
	gateway  gateway.Gateway
	balances BalanceSource
	payees   PayeeDirectory
	notifier notify.Notifier
	locks    *syncutil.KeyedMutex
	now      func() time.Time
	logger   *slog.Logger
}

// NewProcessor creates a withdrawal processor.
func NewProcessor(store Store, gw gateway.Gateway, balances BalanceSource, payees PayeeDirectory, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		gateway:  gw,
		balances: balances,
		payees:   payees,
		notifier: notify.Nop{},
		locks:    syncutil.NewKeyedMutex(0),
		now:      time.Now,
		logger:   logger,
	}
}

// WithNotifier adds a notification sink.
func (p *Processor) WithNotifier(n notify.Notifier) *Processor {
	if n != nil {
		p.notifier = n
	}
	return p
}

// RequestWithdrawal creates a pending withdrawal after checking the amount
// against a freshly recomputed wallet.
func (p *Processor) RequestWithdrawal(ctx context.Context, req Request) (w *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Request", traces.ProfileID(req.PayeeProfileID), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}

	dest := req.Destination
	if dest == nil {
		dest, err = p.payees.PayoutDestination(ctx, req.PayeeProfileID)
		if err != nil {
			return nil, err
		}
	}
	if err := dest.Validate(); err != nil {
		return nil, err
	}

	unlock, err := p.locks.Lock(ctx, req.PayeeProfileID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := p.balances.Recompute(ctx, req.PayeeProfileID); err != nil {
		return nil, fmt.Errorf("recompute wallet: %w", err)
	}

	now := p.now()
	w = &Withdrawal{
		ID:             idgen.WithPrefix("wd_"),
		PayeeProfileID: req.PayeeProfileID,
		Amount:         amount,
		Destination:    *dest,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.Reserve(ctx, w); err != nil {
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	p.logger.Info("withdrawal requested", "withdrawal", w.ID, "payee", w.PayeeProfileID, "amount", money.Format(amount))
	return w, nil
}

// Get returns a withdrawal.
func (p *Processor) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return p.store.Get(ctx, id)
}

// ListByPayee returns a payee's withdrawals, newest first.
func (p *Processor) ListByPayee(ctx context.Context, payeeID string, limit int) ([]*Withdrawal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return p.store.ListByPayee(ctx, payeeID, limit)
}

// Process pays out a pending withdrawal, or resumes one left processing by
// an unknown payout outcome. Terminal withdrawals are returned unchanged.
//
// A rejected payout fails the withdrawal and returns the gateway error
// with it. A transient or unknown outcome leaves it processing and
// returns the error alone; calling Process again retries the payout with
// the same idempotency key.
func (p *Processor) Process(ctx context.Context, id string) (w *Withdrawal, err error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Process", traces.WithdrawalID(id))
	defer func() { traces.End(span, err) }()

	w, err = p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := p.locks.Lock(ctx, w.PayeeProfileID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if w, err = p.store.Get(ctx, id); err != nil {
		return nil, err
	}

	switch w.Status {
	case StatusCompleted, StatusFailed:
		return w, nil
	case StatusPending:
		if err := p.revalidate(ctx, w); err != nil {
			if errors.Is(err, ErrInsufficientBalance) {
				failed, ferr := p.fail(ctx, w, StatusPending, "insufficient available balance")
				if ferr != nil {
					return nil, ferr
				}
				return failed, err
			}
			return nil, err
		}
		w, err = p.store.Mutate(ctx, id, func(w *Withdrawal) error {
			if err := expect(StatusPending)(w); err != nil {
				return err
			}
			w.Status = StatusProcessing
			return nil
		})
		if errors.Is(err, ErrStateConflict) {
			metrics.StateConflictsTotal.WithLabelValues("withdrawal").Inc()
			current, gerr := p.store.Get(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			p.logger.Debug("withdrawal advanced by concurrent writer", "withdrawal", id, "status", current.Status)
			return current, nil
		}
		if err != nil {
			return nil, err
		}
	case StatusProcessing:
		p.logger.Info("resuming withdrawal payout", "withdrawal", id)
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidState, w.Status)
	}

	return p.payout(ctx, w)
}

// revalidate checks w still fits the available balance net of the other
// open requests.
func (p *Processor) revalidate(ctx context.Context, w *Withdrawal) error {
	wl, err := p.balances.Recompute(ctx, w.PayeeProfileID)
	if err != nil {
		return fmt.Errorf("recompute wallet: %w", err)
	}
	open, err := p.store.SumOpen(ctx, w.PayeeProfileID)
	if err != nil {
		return err
	}
	free := wl.AvailableBalance.Sub(open.Sub(w.Amount))
	if w.Amount.GreaterThan(free) {
		return fmt.Errorf("%w: free %s, requested %s", ErrInsufficientBalance, money.Format(free), money.Format(w.Amount))
	}
	return nil
}

func (p *Processor) payout(ctx context.Context, w *Withdrawal) (*Withdrawal, error) {
	account, err := p.payees.GatewayAccount(ctx, w.PayeeProfileID)
	if errors.Is(err, profiles.ErrNoGatewayAccount) {
		failed, ferr := p.fail(ctx, w, StatusProcessing, "payee has no gateway account")
		if ferr != nil {
			return nil, ferr
		}
		return failed, err
	}
	if err != nil {
		return nil, err
	}

	po, err := p.gateway.Payout(ctx, gateway.PayoutRequest{
		WithdrawalID:    w.ID,
		PayeeAccount:    account,
		Amount:          w.Amount,
		DestinationKey:  w.Destination.Key,
		DestinationType: string(w.Destination.KeyType),
		IdempotencyKey:  gateway.IdempotencyKey(gateway.OpPayout, w.ID),
	})
	switch {
	case errors.Is(err, gateway.ErrRejected):
		failed, ferr := p.fail(ctx, w, StatusProcessing, gateway.Reason(err))
		if ferr != nil {
			return nil, ferr
		}
		return failed, err
	case err != nil:
		metrics.WithdrawalsTotal.WithLabelValues("unknown").Inc()
		p.logger.Warn("payout not confirmed, withdrawal stays processing",
			"withdrawal", w.ID, "error", err)
		return w, err
	}

	entry := ledger.NewTransaction(w.PayeeProfileID, ledger.TypeWithdrawal, w.Amount.Neg(), w.ID)
	settled, err := p.store.Settle(ctx, w.ID, po.Ref, entry)
	if err != nil {
		p.logger.Error("payout sent but settlement failed",
			"withdrawal", w.ID, "payout_ref", po.Ref, "error", err)
		return nil, fmt.Errorf("settle withdrawal %s: %w", w.ID, err)
	}

	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	p.logger.Info("withdrawal completed",
		"withdrawal", w.ID, "payee", w.PayeeProfileID, "amount", money.Format(w.Amount), "payout_ref", po.Ref)
	if _, err := p.balances.Recompute(ctx, w.PayeeProfileID); err != nil {
		p.logger.Warn("wallet recompute after withdrawal failed", "payee", w.PayeeProfileID, "error", err)
	}
	p.notifier.Notify(ctx, notify.NewEvent(notify.EventWithdrawalCompleted, w.PayeeProfileID, withdrawalData(settled)))
	return settled, nil
}

func (p *Processor) fail(ctx context.Context, w *Withdrawal, from Status, reason string) (*Withdrawal, error) {
	failed, err := p.store.Mutate(ctx, w.ID, func(w *Withdrawal) error {
		if err := expect(from)(w); err != nil {
			return err
		}
		w.Status = StatusFailed
		w.ErrorMessage = reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark withdrawal %s failed: %w", w.ID, err)
	}
	metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
	p.logger.Warn("withdrawal failed", "withdrawal", w.ID, "reason", reason)
	p.notifier.Notify(ctx, notify.NewEvent(notify.EventWithdrawalFailed, w.PayeeProfileID, withdrawalData(failed)))
	return failed, nil
}

func withdrawalData(w *Withdrawal) map[string]any {
	data := map[string]any{
		"withdrawalId": w.ID,
		"amount":       money.Format(w.Amount),
		"status":       string(w.Status),
	}
	if w.ExternalPayoutRef != "" {
		data["payoutRef"] = w.ExternalPayoutRef
	}
	if w.ErrorMessage != "" {
		data["error"] = w.ErrorMessage
	}
	return data
}
