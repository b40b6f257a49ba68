package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/mbd888/gigescrow/internal/metrics"
)

// sweepBatch is the page size a sweep reads due agreements in.
const sweepBatch = 100

// SweepItem is the outcome of one agreement in a sweep.
type SweepItem struct {
	AgreementID string `json:"agreementId"`
	Outcome     string `json:"outcome"` // released, skipped, failed
	Error       string `json:"error,omitempty"`
}

// SweepResult summarises a sweep run.
type SweepResult struct {
	Examined int         `json:"examined"`
	Released int         `json:"released"`
	Skipped  int         `json:"skipped"`
	Failed   int         `json:"failed"`
	Items    []SweepItem `json:"items"`
}

// RunAutoReleaseSweep releases every paid_escrow agreement whose work was
// delivered and whose confirmation deadline has passed, paging through them
// in deadline order. Each agreement is isolated: a failure is collected and
// the sweep moves on, so agreements that keep failing never hide later ones.
// The returned error combines the per-item failures.
//
// Concurrent sweeps (or a sweep racing a payer confirmation) release each
// agreement exactly once; the losers count it as skipped.
func (c *Coordinator) RunAutoReleaseSweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := c.now()
	res := &SweepResult{Items: []SweepItem{}}
	var (
		errs   error
		cursor DueCursor
	)
	for {
		due, err := c.store.ListDueForRelease(ctx, now, cursor, sweepBatch)
		if err != nil {
			if res.Examined == 0 {
				return nil, fmt.Errorf("list due agreements: %w", err)
			}
			errs = multierr.Append(errs, fmt.Errorf("list due agreements: %w", err))
			break
		}
		res.Examined += len(due)
		if !c.sweepPage(ctx, due, res, &errs) || len(due) < sweepBatch {
			break
		}
		last := due[len(due)-1]
		cursor = DueCursor{Deadline: *last.ConfirmationDeadline, ID: last.ID}
	}
	return res, errs
}

// sweepPage releases one page of due agreements. It reports false when ctx
// ended mid-page.
func (c *Coordinator) sweepPage(ctx context.Context, due []*Agreement, res *SweepResult, errs *error) bool {
	for _, a := range due {
		if ctx.Err() != nil {
			*errs = multierr.Append(*errs, ctx.Err())
			return false
		}
		item := SweepItem{AgreementID: a.ID}
		changed, err := c.releaseIsolated(ctx, a.ID)
		switch {
		case err == nil && changed:
			item.Outcome = "released"
			res.Released++
		case err == nil, errors.Is(err, ErrInvalidState):
			// released or canceled by another writer since listing
			item.Outcome = "skipped"
			res.Skipped++
		default:
			item.Outcome = "failed"
			item.Error = err.Error()
			res.Failed++
			*errs = multierr.Append(*errs, fmt.Errorf("agreement %s: %w", a.ID, err))
			c.logger.Warn("auto-release failed", "agreement", a.ID, "error", err)
		}
		res.Items = append(res.Items, item)
	}
	return true
}

// releaseIsolated converts a panic in one release into an error.
func (c *Coordinator) releaseIsolated(ctx context.Context, id string) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic releasing %s: %v", id, r)
		}
	}()
	_, changed, err = c.release(ctx, id, TriggerAutoTimeout)
	return changed, err
}
