package withdrawals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/mbd888/gigescrow/internal/gateway"
)

const (
	// DefaultGrace is how long a withdrawal may sit in processing before
	// the reconciler retries its payout.
	DefaultGrace   = 10 * time.Minute
	reconcileBatch = 100
)

// ReconcileResult summarises one reconciler pass.
type ReconcileResult struct {
	Examined  int `json:"examined"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"stillProcessing"`
}

// Reconcile re-runs Process on withdrawals stuck in processing since
// before the grace period. Per-item errors are aggregated; an unknown
// outcome counts as still processing, not as an error.
func (p *Processor) Reconcile(ctx context.Context, grace time.Duration) (*ReconcileResult, error) {
	stale, err := p.store.ListStale(ctx, p.now().Add(-grace), reconcileBatch)
	if err != nil {
		return nil, fmt.Errorf("list stale withdrawals: %w", err)
	}

	res := &ReconcileResult{Examined: len(stale)}
	var errs error
	for _, w := range stale {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		out, perr := p.Process(ctx, w.ID)
		switch {
		case out != nil && out.Status == StatusCompleted:
			res.Completed++
		case out != nil && out.Status == StatusFailed:
			res.Failed++
		case perr != nil && !gateway.IsRetryable(perr):
			res.Pending++
			errs = multierr.Append(errs, fmt.Errorf("withdrawal %s: %w", w.ID, perr))
		default:
			res.Pending++
		}
	}
	return res, errs
}

// Reconciler periodically runs Reconcile.
type Reconciler struct {
	processor *Processor
	interval  time.Duration
	grace     time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
}

// NewReconciler creates a reconciler timer. grace <= 0 uses DefaultGrace.
func NewReconciler(processor *Processor, interval, grace time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		processor: processor,
		interval:  interval,
		grace:     grace,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRun(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Reconciler) safeRun(ctx context.Context) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("panic in withdrawal reconciler", "panic", fmt.Sprint(v))
		}
	}()

	res, err := r.processor.Reconcile(ctx, r.grace)
	if err != nil {
		r.logger.Warn("withdrawal reconcile had failures", "error", err)
	}
	if res != nil && res.Examined > 0 {
		r.logger.Info("withdrawal reconcile finished",
			"examined", res.Examined, "completed", res.Completed, "failed", res.Failed, "still_processing", res.Pending)
	}
}
