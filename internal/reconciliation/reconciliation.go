// Package reconciliation cross-checks the session ledger against itself
// and against the payment records produced by settlement.
package reconciliation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

// LedgerSummer returns the aggregate money columns across all sessions.
type LedgerSummer interface {
	SumTotals(ctx context.Context) (approved, spent, remaining string, err error)
}

// PaymentSummer returns the total of verified settlements.
type PaymentSummer interface {
	SumVerified(ctx context.Context) (string, error)
}

// InvariantResult holds the outcome of the ledger invariant check.
// approved must equal spent + remaining across every session.
type InvariantResult struct {
	Match     bool   `json:"match"`
	Approved  string `json:"approved"`
	Spent     string `json:"spent"`
	Remaining string `json:"remaining"`
	Diff      string `json:"diff"`
}

// SpentResult compares the aggregate spent column against the sum of
// verified payment records.
type SpentResult struct {
	Match         bool   `json:"match"`
	LedgerSpent   string `json:"ledgerSpent"`
	PaymentsTotal string `json:"paymentsTotal"`
	Diff          string `json:"diff"`
}

// Report is the outcome of one full reconciliation run.
type Report struct {
	RanAt     time.Time        `json:"ranAt"`
	Duration  string           `json:"duration"`
	Healthy   bool             `json:"healthy"`
	Invariant *InvariantResult `json:"invariant"`
	Spent     *SpentResult     `json:"spent"`
}

// Service performs the individual reconciliation checks.
type Service struct {
	ledger         LedgerSummer
	payments       PaymentSummer
	alertThreshold *big.Int // smallest units; default 0.01 USDC
}

// NewService creates a reconciliation service.
func NewService(ledger LedgerSummer, payments PaymentSummer) *Service {
	threshold, _ := usdc.Parse("0.010000")
	return &Service{
		ledger:         ledger,
		payments:       payments,
		alertThreshold: threshold,
	}
}

// SetAlertThreshold sets the tolerance for the spent-vs-payments check.
// The ledger invariant is always checked exactly.
func (s *Service) SetAlertThreshold(amount string) {
	if t, ok := usdc.Parse(amount); ok {
		s.alertThreshold = t
	}
}

// CheckInvariant verifies that approved = spent + remaining in aggregate.
func (s *Service) CheckInvariant(ctx context.Context) (*InvariantResult, error) {
	approvedStr, spentStr, remainingStr, err := s.ledger.SumTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum session totals: %w", err)
	}

	approved, _ := usdc.Parse(approvedStr)
	spent, _ := usdc.Parse(spentStr)
	remaining, _ := usdc.Parse(remainingStr)

	diff := new(big.Int).Sub(approved, new(big.Int).Add(spent, remaining))

	return &InvariantResult{
		Match:     diff.Sign() == 0,
		Approved:  usdc.Format(approved),
		Spent:     usdc.Format(spent),
		Remaining: usdc.Format(remaining),
		Diff:      usdc.Format(diff),
	}, nil
}

// CheckSpent compares aggregate session spend against verified payments.
// Small drift within the alert threshold is tolerated; anything beyond
// means a debit happened without a matching payment record or vice versa.
func (s *Service) CheckSpent(ctx context.Context) (*SpentResult, error) {
	_, spentStr, _, err := s.ledger.SumTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum session totals: %w", err)
	}
	paidStr, err := s.payments.SumVerified(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum verified payments: %w", err)
	}

	spent, _ := usdc.Parse(spentStr)
	paid, _ := usdc.Parse(paidStr)

	diff := new(big.Int).Sub(spent, paid)
	absDiff := new(big.Int).Abs(diff)

	return &SpentResult{
		Match:         absDiff.Cmp(s.alertThreshold) <= 0,
		LedgerSpent:   usdc.Format(spent),
		PaymentsTotal: usdc.Format(paid),
		Diff:          usdc.Format(diff),
	}, nil
}

// Runner executes all reconciliation checks and records metrics.
type Runner struct {
	service *Service
}

// NewRunner creates a runner over the given service.
func NewRunner(service *Service) *Runner {
	return &Runner{service: service}
}

// RunAll executes every check and returns the combined report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()

	invariant, err := r.service.CheckInvariant(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	spent, err := r.service.CheckSpent(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	if invariant.Match {
		reconcileInvariantMismatch.Set(0)
	} else {
		reconcileInvariantMismatch.Set(1)
	}
	if spent.Match {
		reconcileSpentMismatch.Set(0)
	} else {
		reconcileSpentMismatch.Set(1)
	}

	elapsed := time.Since(start)
	reconcileDuration.Observe(elapsed.Seconds())

	return &Report{
		RanAt:     start,
		Duration:  elapsed.String(),
		Healthy:   invariant.Match && spent.Match,
		Invariant: invariant,
		Spent:     spent,
	}, nil
}
