package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/retry"
)

func newGuarded(m *Memory) *Guarded {
	return NewGuarded(m, time.Second, nil).
		WithPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
}

func TestGuarded_RetriesTransient(t *testing.T) {
	m := NewMemory("whsec")
	g := newGuarded(m)
	h, err := m.Authorize(context.Background(), holdReq("k"))
	require.NoError(t, err)

	m.FailNext(OpCapture, &Error{Op: OpCapture, Kind: ErrTransient, Message: "503"})
	m.FailNext(OpCapture, &Error{Op: OpCapture, Kind: ErrTransient, Message: "503"})

	require.NoError(t, g.Capture(context.Background(), h.Ref, "capture:agr_1"))
	assert.Equal(t, 3, m.Calls(OpCapture))
}

func TestGuarded_DoesNotRetryRejection(t *testing.T) {
	m := NewMemory("whsec")
	g := newGuarded(m)

	m.FailNext(OpAuthorize, &Error{Op: OpAuthorize, Kind: ErrRejected, Code: "card_declined", Message: "declined"})
	_, err := g.Authorize(context.Background(), holdReq("k"))

	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "declined", Reason(err))
	assert.Equal(t, 1, m.Calls(OpAuthorize))
}

func TestGuarded_UnclassifiedErrorBecomesTransient(t *testing.T) {
	m := NewMemory("whsec")
	g := newGuarded(m).WithPolicy(retry.Policy{MaxAttempts: 1})

	m.FailNext(OpPayout, errors.New("connection reset"))
	_, err := g.Payout(context.Background(), PayoutRequest{IdempotencyKey: "payout:w"})

	assert.ErrorIs(t, err, ErrTransient)
	assert.True(t, IsRetryable(err))
}

func TestGuarded_OpenCircuitIsTransient(t *testing.T) {
	m := NewMemory("whsec")
	b := circuitbreaker.New(1, time.Minute)
	g := newGuarded(m).WithBreaker(b).WithPolicy(retry.Policy{MaxAttempts: 1})

	m.FailNext(OpCapture, &Error{Op: OpCapture, Kind: ErrTransient, Message: "503"})
	_ = g.Capture(context.Background(), "pi_x", "k")
	require.Equal(t, circuitbreaker.StateOpen, b.State(string(OpCapture)))

	calls := m.Calls(OpCapture)
	err := g.Capture(context.Background(), "pi_x", "k")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, calls, m.Calls(OpCapture), "open circuit must not reach the gateway")
}
