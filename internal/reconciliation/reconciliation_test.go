package reconciliation

import (
	"context"
	"testing"
)

type mockLedger struct {
	approved, spent, remaining string
}

func (m *mockLedger) SumTotals(_ context.Context) (string, string, string, error) {
	return m.approved, m.spent, m.remaining, nil
}

type mockPayments struct {
	verified string
}

func (m *mockPayments) SumVerified(_ context.Context) (string, error) {
	return m.verified, nil
}

func TestCheckInvariant_Match(t *testing.T) {
	// 125 approved = 25 spent + 100 remaining
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "100.000000"}

	svc := NewService(ledger, &mockPayments{verified: "25.000000"})
	result, err := svc.CheckInvariant(context.Background())
	if err != nil {
		t.Fatalf("CheckInvariant failed: %v", err)
	}

	if !result.Match {
		t.Errorf("expected match, got mismatch: approved=%s spent=%s remaining=%s diff=%s",
			result.Approved, result.Spent, result.Remaining, result.Diff)
	}
}

func TestCheckInvariant_Mismatch(t *testing.T) {
	// 125 approved but 25 + 99 = 124
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "99.000000"}

	svc := NewService(ledger, &mockPayments{verified: "25.000000"})
	result, err := svc.CheckInvariant(context.Background())
	if err != nil {
		t.Fatalf("CheckInvariant failed: %v", err)
	}

	if result.Match {
		t.Error("expected mismatch when approved != spent + remaining")
	}
	if result.Diff != "1.000000" {
		t.Errorf("diff = %s, want 1.000000", result.Diff)
	}
}

func TestCheckSpent_Match(t *testing.T) {
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "100.000000"}
	payments := &mockPayments{verified: "25.000000"}

	svc := NewService(ledger, payments)
	result, err := svc.CheckSpent(context.Background())
	if err != nil {
		t.Fatalf("CheckSpent failed: %v", err)
	}

	if !result.Match {
		t.Errorf("expected match: ledger=%s payments=%s diff=%s",
			result.LedgerSpent, result.PaymentsTotal, result.Diff)
	}
}

func TestCheckSpent_Mismatch(t *testing.T) {
	// Ledger says 25 spent, only 20 in verified payments
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "100.000000"}
	payments := &mockPayments{verified: "20.000000"}

	svc := NewService(ledger, payments)
	result, err := svc.CheckSpent(context.Background())
	if err != nil {
		t.Fatalf("CheckSpent failed: %v", err)
	}

	if result.Match {
		t.Error("expected mismatch when spent exceeds verified payments by 5")
	}
	if result.Diff != "5.000000" {
		t.Errorf("diff = %s, want 5.000000", result.Diff)
	}
}

func TestCheckSpent_WithinThreshold(t *testing.T) {
	ledger := &mockLedger{approved: "100.000000", spent: "25.000000", remaining: "75.000000"}
	// Drift of 0.005 is within the default 0.01 tolerance
	payments := &mockPayments{verified: "24.995000"}

	svc := NewService(ledger, payments)
	result, err := svc.CheckSpent(context.Background())
	if err != nil {
		t.Fatalf("CheckSpent failed: %v", err)
	}

	if !result.Match {
		t.Error("expected match, drift 0.005 is within the 0.01 threshold")
	}
}

func TestCheckSpent_CustomThreshold(t *testing.T) {
	ledger := &mockLedger{approved: "100.000000", spent: "25.000000", remaining: "75.000000"}
	payments := &mockPayments{verified: "24.500000"}

	svc := NewService(ledger, payments)
	svc.SetAlertThreshold("1.000000")

	result, err := svc.CheckSpent(context.Background())
	if err != nil {
		t.Fatalf("CheckSpent failed: %v", err)
	}

	if !result.Match {
		t.Error("expected match, drift 0.50 is within the custom 1.00 threshold")
	}
}

func TestRunAll(t *testing.T) {
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "100.000000"}
	payments := &mockPayments{verified: "25.000000"}

	runner := NewRunner(NewService(ledger, payments))
	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if !report.Healthy {
		t.Error("expected healthy report")
	}
	if report.Invariant == nil || report.Spent == nil {
		t.Fatal("expected both check results in report")
	}
}

func TestRunAll_Unhealthy(t *testing.T) {
	ledger := &mockLedger{approved: "125.000000", spent: "25.000000", remaining: "90.000000"}
	payments := &mockPayments{verified: "25.000000"}

	runner := NewRunner(NewService(ledger, payments))
	report, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if report.Healthy {
		t.Error("expected unhealthy report with broken invariant")
	}
	if report.Invariant.Match {
		t.Error("expected invariant mismatch")
	}
}
