package session

import (
	"context"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

// Ledger is the accounting face of a session store. Every purchase
// debit flows through here, and the store guarantees the debit is
// atomic: approved == spent + remaining holds before and after, and
// remaining never goes below zero.
type Ledger struct {
	store Store
}

// NewLedger creates a ledger over a session store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Debit spends amount out of the session's remaining ceiling.
// Returns ErrInsufficientRemaining when the ceiling cannot cover it,
// ErrSessionNotActive when the session is pending or terminal.
func (l *Ledger) Debit(ctx context.Context, sessionID, amount string) error {
	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return l.store.DebitAtomic(ctx, sessionID, amt)
}

// IncreaseApproval raises the ceiling of an active session, lifting
// approved and remaining by the same amount. The fresh approval
// reference supersedes the one recorded at confirmation, and a
// non-zero newExpiry extends the session deadline with it.
func (l *Ledger) IncreaseApproval(ctx context.Context, sessionID, amount, approvalRef string, newExpiry time.Time) error {
	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if approvalRef == "" {
		return ErrInvalidApprovalRef
	}
	return l.store.CreditAtomic(ctx, sessionID, amt, approvalRef, newExpiry)
}

// Remaining returns the session's unspent ceiling.
func (l *Ledger) Remaining(ctx context.Context, sessionID string) (string, error) {
	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.Remaining, nil
}

// CanCover reports whether the session's remaining ceiling covers
// amount right now. Settlement still relies on the atomic debit; this
// is only the fail-fast check.
func (l *Ledger) CanCover(ctx context.Context, sessionID, amount string) (bool, error) {
	amt, ok := usdc.Parse(amount)
	if !ok {
		return false, ErrInvalidAmount
	}
	s, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	remaining, _ := usdc.Parse(s.Remaining)
	return remaining.Cmp(amt) >= 0, nil
}
