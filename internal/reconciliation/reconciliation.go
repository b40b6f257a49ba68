// Package reconciliation compares cached wallets against a fresh
// derivation from agreements and withdrawals.
//
// Drift means a recompute was missed (a crash between a release and its
// wallet refresh, a failed refresh). The service reports it and, when
// repair is on, fixes it by recomputing.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/mbd888/gigescrow/internal/money"
	"github.com/mbd888/gigescrow/internal/wallet"
)

// Wallets is the wallet ledger surface the checks need.
type Wallets interface {
	Profiles(ctx context.Context) ([]string, error)
	Get(ctx context.Context, profileID string) (*wallet.Wallet, error)
	Derive(ctx context.Context, profileID string) (*wallet.Wallet, error)
	Recompute(ctx context.Context, profileID string) (*wallet.Wallet, error)
}

// Drift is one wallet whose cache disagrees with its sources.
type Drift struct {
	ProfileID string `json:"payeeProfileId"`
	Cached    string `json:"cachedAvailable"`
	Derived   string `json:"derivedAvailable"`
	Pending   string `json:"derivedPending"`
	Repaired  bool   `json:"repaired"`
}

// Report is the result of one run.
type Report struct {
	Checked  int           `json:"checked"`
	Drifted  []Drift       `json:"drifted"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"durationNs"`
}

// Service runs wallet checks.
type Service struct {
	wallets Wallets
	repair  bool
	logger  *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(wallets Wallets, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{wallets: wallets, logger: logger}
}

// WithRepair makes Run recompute drifted wallets.
func (s *Service) WithRepair(repair bool) *Service {
	s.repair = repair
	return s
}

// Run checks every wallet. Per-wallet errors are aggregated and do not
// stop the run.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	profiles, err := s.wallets.Profiles(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	report := &Report{Drifted: []Drift{}}
	var errs error
	for _, id := range profiles {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		report.Checked++
		drift, err := s.check(ctx, id)
		if err != nil {
			report.Errors++
			reconcileErrors.Inc()
			errs = multierr.Append(errs, fmt.Errorf("wallet %s: %w", id, err))
			continue
		}
		if drift != nil {
			report.Drifted = append(report.Drifted, *drift)
		}
	}

	report.Duration = time.Since(start)
	reconcileWalletDrift.Set(float64(len(report.Drifted)))
	reconcileDuration.Observe(report.Duration.Seconds())
	if len(report.Drifted) > 0 {
		s.logger.Warn("wallet drift detected", "count", len(report.Drifted), "repair", s.repair)
	}
	return report, errs
}

func (s *Service) check(ctx context.Context, profileID string) (*Drift, error) {
	cached, err := s.wallets.Get(ctx, profileID)
	if err != nil && !errors.Is(err, wallet.ErrWalletNotFound) {
		return nil, err
	}
	derived, err := s.wallets.Derive(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.SameBalances(derived) {
		return nil, nil
	}

	d := &Drift{
		ProfileID: profileID,
		Derived:   money.Format(derived.AvailableBalance),
		Pending:   money.Format(derived.PendingBalance),
	}
	if cached != nil {
		d.Cached = money.Format(cached.AvailableBalance)
	}
	if s.repair {
		if _, err := s.wallets.Recompute(ctx, profileID); err != nil {
			return d, fmt.Errorf("repair: %w", err)
		}
		d.Repaired = true
	}
	s.logger.Info("wallet drift", "profile", profileID, "cached", d.Cached, "derived", d.Derived, "repaired", d.Repaired)
	return d, nil
}
