package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Lease lets one replica run a pass per interval. The idempotency guard
// satisfies it.
type Lease interface {
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const leaseKey = "lease:wallet-reconcile"

// Timer runs wallet drift detection on an interval.
type Timer struct {
	service  *Service
	interval time.Duration
	lease    Lease
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. interval <= 0 means 15 minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithLease skips ticks whose lease another replica holds.
func (t *Timer) WithLease(l Lease) *Timer {
	t.lease = l
	return t
}

func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Stop is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in wallet reconciliation", "panic", fmt.Sprint(r))
		}
	}()

	if t.lease != nil {
		ok, err := t.lease.CheckAndMark(ctx, leaseKey, t.interval*9/10)
		if err != nil {
			t.logger.Warn("reconcile lease unavailable, running anyway", "error", err)
		} else if !ok {
			return
		}
	}

	report, err := t.service.Run(ctx)
	if err != nil {
		t.logger.Warn("wallet reconciliation had errors", "error", err)
	}
	if report != nil {
		t.logger.Debug("wallet reconciliation finished",
			"checked", report.Checked, "drifted", len(report.Drifted), "duration", report.Duration)
	}
}
