package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
	"github.com/mbd888/gigescrow/internal/metrics"
	"github.com/mbd888/gigescrow/internal/retry"
)

// DefaultTimeout bounds each outbound call, retries included.
const DefaultTimeout = 15 * time.Second

// Guarded decorates a Gateway with a per-call timeout, retries of
// transient failures, a per-operation circuit breaker and metrics.
// A call that runs out of time is reported as ErrUnknownOutcome.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

var _ Gateway = (*Guarded)(nil)

// NewGuarded wraps next. timeout <= 0 uses DefaultTimeout.
func NewGuarded(next Gateway, timeout time.Duration, logger *slog.Logger) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{
		next:    next,
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.DefaultPolicy,
		timeout: timeout,
		logger:  logger,
	}
}

// WithPolicy overrides the retry policy.
func (g *Guarded) WithPolicy(p retry.Policy) *Guarded {
	g.policy = p
	return g
}

// WithBreaker overrides the circuit breaker.
func (g *Guarded) WithBreaker(b *circuitbreaker.Breaker) *Guarded {
	g.breaker = b
	return g
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func (g *Guarded) Authorize(ctx context.Context, req HoldRequest) (*Hold, error) {
	var hold *Hold
	err := g.call(ctx, OpAuthorize, func(ctx context.Context) error {
		h, err := g.next.Authorize(ctx, req)
		hold = h
		return err
	})
	return hold, err
}

func (g *Guarded) Capture(ctx context.Context, ref, idempotencyKey string) error {
	return g.call(ctx, OpCapture, func(ctx context.Context) error {
		return g.next.Capture(ctx, ref, idempotencyKey)
	})
}

func (g *Guarded) Refund(ctx context.Context, ref, idempotencyKey string) error {
	return g.call(ctx, OpRefund, func(ctx context.Context) error {
		return g.next.Refund(ctx, ref, idempotencyKey)
	})
}

func (g *Guarded) Payout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	var p *Payout
	err := g.call(ctx, OpPayout, func(ctx context.Context) error {
		out, err := g.next.Payout(ctx, req)
		p = out
		return err
	})
	return p, err
}

func (g *Guarded) PayoutCapable(ctx context.Context, account string) (bool, error) {
	var ok bool
	err := g.call(ctx, OpAccount, func(ctx context.Context) error {
		v, err := g.next.PayoutCapable(ctx, account)
		ok = v
		return err
	})
	return ok, err
}

func (g *Guarded) call(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := g.breaker.Do(string(op), IsRetryable, func() error {
		return retry.Do(ctx, g.policy, func(ctx context.Context) error {
			err := fn(ctx)
			if err != nil && !errors.Is(err, ErrTransient) {
				return retry.Permanent(err)
			}
			return err
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		err = &Error{Op: op, Kind: ErrTransient, Message: "circuit open"}
	case !errors.Is(err, ErrRejected) && !errors.Is(err, ErrTransient) && !errors.Is(err, ErrUnknownOutcome):
		// unclassified adapter error
		if ctx.Err() != nil {
			err = &Error{Op: op, Kind: ErrUnknownOutcome, Message: err.Error()}
		} else {
			err = &Error{Op: op, Kind: ErrTransient, Message: err.Error()}
		}
	}

	metrics.GatewayCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	metrics.GatewayCallsTotal.WithLabelValues(string(op), result(err)).Inc()
	if err != nil {
		g.logger.Warn("gateway call failed", "op", op, "error", err)
	}
	return err
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnknownOutcome):
		return "unknown"
	default:
		return "transient"
	}
}
