package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/gigescrow/internal/metrics"
)

// Lease grants one sweeper per interval across replicas. The idempotency
// guard satisfies it.
type Lease interface {
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

const sweepLeaseKey = "lease:auto-release-sweep"

// Timer periodically runs the auto-release sweep.
type Timer struct {
	coordinator *Coordinator
	interval    time.Duration
	lease       Lease
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
}

// NewTimer creates an auto-release timer.
func NewTimer(coordinator *Coordinator, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		coordinator: coordinator,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// WithLease makes replicas take turns: a tick that cannot take the lease
// is skipped.
func (t *Timer) WithLease(l Lease) *Timer {
	t.lease = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if t.lease != nil {
		// TTL under the interval so the next tick can take it again.
		ok, err := t.lease.CheckAndMark(ctx, sweepLeaseKey, t.interval*9/10)
		if err != nil {
			t.logger.Warn("sweep lease unavailable, running anyway", "error", err)
		} else if !ok {
			metrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
			return
		}
	}
	metrics.SweepRunsTotal.WithLabelValues("ran").Inc()

	res, err := t.coordinator.RunAutoReleaseSweep(ctx)
	if res == nil {
		t.logger.Warn("auto-release sweep failed", "error", err)
		return
	}
	if res.Examined > 0 {
		t.logger.Info("auto-release sweep finished",
			"examined", res.Examined, "released", res.Released, "skipped", res.Skipped, "failed", res.Failed)
	}
}
