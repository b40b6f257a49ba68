package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/idgen"
)

// SignatureHeader carries the hex HMAC-SHA256 of a memory-gateway event.
const SignatureHeader = "X-Gateway-Signature"

const (
	holdRequiresCapture = "requires_capture"
	holdAwaitingPayment = "requires_payment_method"
	holdCaptured        = "captured"
	holdCanceled        = "canceled"
)

type memHold struct {
	ref      string
	amount   decimal.Decimal
	transfer decimal.Decimal
	account  string
	status   string
}

// Memory is an in-process gateway for development and tests. It honours
// idempotency keys the way a real gateway does and supports injected
// failures per operation.
type Memory struct {
	mu         sync.Mutex
	secret     string
	holds      map[string]*memHold
	holdKeys   map[string]string // idempotency key -> hold ref
	payouts    map[string]*Payout
	payoutSums map[string]decimal.Decimal // account -> total paid out
	notPayable map[string]bool
	failures   map[Op][]error
	calls      map[Op]int
	async      bool
}

// NewMemory creates an in-memory gateway. Webhook events are signed with
// secret.
func NewMemory(secret string) *Memory {
	return &Memory{
		secret:     secret,
		holds:      make(map[string]*memHold),
		holdKeys:   make(map[string]string),
		payouts:    make(map[string]*Payout),
		payoutSums: make(map[string]decimal.Decimal),
		notPayable: make(map[string]bool),
		failures:   make(map[Op][]error),
		calls:      make(map[Op]int),
	}
}

var _ Gateway = (*Memory)(nil)
var _ EventParser = (*Memory)(nil)

// SetAsyncAuthorization makes new holds wait for payer confirmation
// (ConfirmHold) instead of being capturable immediately.
func (m *Memory) SetAsyncAuthorization(async bool) {
	m.mu.Lock()
	m.async = async
	m.mu.Unlock()
}

// SetPayoutCapable marks an account as (not) able to receive funds.
func (m *Memory) SetPayoutCapable(account string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		delete(m.notPayable, account)
	} else {
		m.notPayable[account] = true
	}
}

// FailNext queues err to be returned by the next call to op.
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	m.failures[op] = append(m.failures[op], err)
	m.mu.Unlock()
}

// Calls returns how many times op reached the gateway.
func (m *Memory) Calls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// HoldStatus returns the gateway-side status of a hold ("" if unknown).
func (m *Memory) HoldStatus(ref string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[ref]; ok {
		return h.status
	}
	return ""
}

// PaidOut returns the total paid out from account.
func (m *Memory) PaidOut(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payoutSums[account]
}

// ConfirmHold simulates the payer completing authorization client-side.
func (m *Memory) ConfirmHold(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[ref]; ok && h.status == holdAwaitingPayment {
		h.status = holdRequiresCapture
	}
}

// Caller must hold m.mu.
func (m *Memory) enter(op Op) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		err := q[0]
		m.failures[op] = q[1:]
		return err
	}
	return nil
}

func (m *Memory) Authorize(ctx context.Context, req HoldRequest) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAuthorize); err != nil {
		return nil, err
	}

	if ref, ok := m.holdKeys[req.IdempotencyKey]; ok {
		h := m.holds[ref]
		return &Hold{Ref: ref, ClientSecret: ref + "_secret", Capturable: h.status == holdRequiresCapture}, nil
	}
	if m.notPayable[req.PayeeAccount] {
		return nil, &Error{Op: OpAuthorize, Kind: ErrRejected, Code: "account_invalid", Message: "destination account cannot receive transfers"}
	}
	if !req.Amount.IsPositive() || req.TransferAmount.GreaterThan(req.Amount) {
		return nil, &Error{Op: OpAuthorize, Kind: ErrRejected, Code: "amount_invalid", Message: "invalid hold amount"}
	}

	status := holdRequiresCapture
	if m.async {
		status = holdAwaitingPayment
	}
	h := &memHold{
		ref:      idgen.WithPrefix("pi_"),
		amount:   req.Amount,
		transfer: req.TransferAmount,
		account:  req.PayeeAccount,
		status:   status,
	}
	m.holds[h.ref] = h
	if req.IdempotencyKey != "" {
		m.holdKeys[req.IdempotencyKey] = h.ref
	}
	return &Hold{Ref: h.ref, ClientSecret: h.ref + "_secret", Capturable: status == holdRequiresCapture}, nil
}

func (m *Memory) Capture(ctx context.Context, ref, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCapture); err != nil {
		return err
	}

	h, ok := m.holds[ref]
	if !ok {
		return &Error{Op: OpCapture, Kind: ErrRejected, Code: "resource_missing", Message: "no such hold " + ref}
	}
	switch h.status {
	case holdCaptured:
		return nil
	case holdRequiresCapture:
		h.status = holdCaptured
		return nil
	default:
		return &Error{Op: OpCapture, Kind: ErrRejected, Code: "unexpected_state", Message: "hold is " + h.status}
	}
}

func (m *Memory) Refund(ctx context.Context, ref, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpRefund); err != nil {
		return err
	}

	h, ok := m.holds[ref]
	if !ok {
		return &Error{Op: OpRefund, Kind: ErrRejected, Code: "resource_missing", Message: "no such hold " + ref}
	}
	switch h.status {
	case holdCanceled:
		return nil
	case holdCaptured:
		return &Error{Op: OpRefund, Kind: ErrRejected, Code: "unexpected_state", Message: "hold already captured"}
	default:
		h.status = holdCanceled
		return nil
	}
}

func (m *Memory) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpPayout); err != nil {
		return nil, err
	}

	if p, ok := m.payouts[req.IdempotencyKey]; ok {
		return p, nil
	}
	if m.notPayable[req.PayeeAccount] {
		return nil, &Error{Op: OpPayout, Kind: ErrRejected, Code: "payouts_not_allowed", Message: "account cannot receive payouts"}
	}
	if req.DestinationKey == "" {
		return nil, &Error{Op: OpPayout, Kind: ErrRejected, Code: "invalid_destination", Message: "missing payout destination"}
	}

	p := &Payout{Ref: idgen.WithPrefix("po_")}
	if req.IdempotencyKey != "" {
		m.payouts[req.IdempotencyKey] = p
	}
	m.payoutSums[req.PayeeAccount] = m.payoutSums[req.PayeeAccount].Add(req.Amount)
	return p, nil
}

func (m *Memory) PayoutCapable(ctx context.Context, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAccount); err != nil {
		return false, err
	}
	return account != "" && !m.notPayable[account], nil
}

// Sign returns the signature header value for payload.
func (m *Memory) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(m.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent verifies SignatureHeader and decodes a JSON Event body.
func (m *Memory) ParseEvent(payload []byte, header http.Header) (*Event, error) {
	got, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil || m.secret == "" {
		return nil, ErrInvalidSignature
	}
	want, _ := hex.DecodeString(m.Sign(payload))
	if !hmac.Equal(got, want) {
		return nil, ErrInvalidSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Kind {
	case EventHoldCapturable, EventCaptured, EventCanceled, EventRefunded, EventFailed:
		return &ev, nil
	default:
		return &ev, fmt.Errorf("%w: %q", ErrUnhandledEvent, ev.Kind)
	}
}
