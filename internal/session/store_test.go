package session

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

func activeSession(id, owner, ceiling string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Owner:     owner,
		Approved:  ceiling,
		Spent:     "0.000000",
		Remaining: ceiling,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		UpdatedAt: now,
	}
}

func mustParse(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := usdc.Parse(s)
	if !ok {
		t.Fatalf("parse %q", s)
	}
	return v
}

func checkInvariant(t *testing.T, s *Session) {
	t.Helper()
	approved := mustParse(t, s.Approved)
	spent := mustParse(t, s.Spent)
	remaining := mustParse(t, s.Remaining)

	sum := new(big.Int).Add(spent, remaining)
	if approved.Cmp(sum) != 0 {
		t.Errorf("invariant broken: approved %s != spent %s + remaining %s",
			s.Approved, s.Spent, s.Remaining)
	}
	if remaining.Sign() < 0 {
		t.Errorf("remaining went negative: %s", s.Remaining)
	}
}

func TestDebitAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.DebitAtomic(ctx, s.ID, mustParse(t, "3.50")); err != nil {
		t.Fatalf("DebitAtomic: %v", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if got.Spent != "3.500000" || got.Remaining != "6.500000" {
		t.Errorf("spent/remaining = %s/%s, want 3.5/6.5", got.Spent, got.Remaining)
	}
	checkInvariant(t, got)
}

func TestDebitAtomic_InsufficientRemaining(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	_ = store.Create(ctx, s)
	_ = store.DebitAtomic(ctx, s.ID, mustParse(t, "3.50"))

	// 7.00 against 6.50 remaining must fail and change nothing.
	if err := store.DebitAtomic(ctx, s.ID, mustParse(t, "7.00")); err != ErrInsufficientRemaining {
		t.Errorf("got %v, want ErrInsufficientRemaining", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if got.Remaining != "6.500000" {
		t.Errorf("remaining = %s, failed debit must not mutate", got.Remaining)
	}
	checkInvariant(t, got)
}

func TestDebitAtomic_NotActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	s.Status = StatusPending
	_ = store.Create(ctx, s)

	if err := store.DebitAtomic(ctx, s.ID, mustParse(t, "1.00")); err != ErrSessionNotActive {
		t.Errorf("pending: got %v, want ErrSessionNotActive", err)
	}

	if err := store.DebitAtomic(ctx, "ses_missing", mustParse(t, "1.00")); err != ErrSessionNotFound {
		t.Errorf("missing: got %v, want ErrSessionNotFound", err)
	}
}

// A session left marked active after its deadline must still refuse
// the debit; the expiry check runs at mutation time.
func TestDebitAtomic_ExpiredSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	s.ExpiresAt = time.Now().Add(-time.Hour)
	_ = store.Create(ctx, s)

	if err := store.DebitAtomic(ctx, s.ID, mustParse(t, "1.00")); err != ErrSessionExpired {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if got.Spent != "0.000000" || got.Remaining != "10.000000" {
		t.Errorf("spent/remaining = %s/%s, expired debit must not mutate", got.Spent, got.Remaining)
	}
	checkInvariant(t, got)
}

// Concurrent debits of a per-request amount against a shared ceiling:
// exactly floor(remaining/amount) may succeed, never more.
func TestDebitAtomic_ConcurrentNoDoubleSpend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "6.500000")
	_ = store.Create(ctx, s)

	const workers = 20
	amount := mustParse(t, "4.00")

	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.DebitAtomic(ctx, "ses_1", amount); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var won int
	for range successes {
		won++
	}
	// floor(6.50 / 4.00) = 1
	if won != 1 {
		t.Errorf("%d debits succeeded, want exactly 1", won)
	}

	got, _ := store.Get(ctx, "ses_1")
	if got.Remaining != "2.500000" || got.Spent != "4.000000" {
		t.Errorf("spent/remaining = %s/%s, want 4.0/2.5", got.Spent, got.Remaining)
	}
	checkInvariant(t, got)
}

func TestDebitAtomic_ConcurrentDrain(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	_ = store.Create(ctx, s)

	const workers = 50
	amount := mustParse(t, "3.00")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var won int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.DebitAtomic(ctx, "ses_1", amount); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// floor(10.00 / 3.00) = 3
	if won != 3 {
		t.Errorf("%d debits succeeded, want 3", won)
	}

	got, _ := store.Get(ctx, "ses_1")
	if got.Remaining != "1.000000" {
		t.Errorf("remaining = %s, want 1.000000", got.Remaining)
	}
	checkInvariant(t, got)
}

func TestCreditAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	s.ApprovalRef = "0xfirst"
	_ = store.Create(ctx, s)
	_ = store.DebitAtomic(ctx, s.ID, mustParse(t, "4.00"))

	newExpiry := time.Now().Add(48 * time.Hour)
	if err := store.CreditAtomic(ctx, s.ID, mustParse(t, "5.00"), "0xsecond", newExpiry); err != nil {
		t.Fatalf("CreditAtomic: %v", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if got.Approved != "15.000000" || got.Remaining != "11.000000" {
		t.Errorf("approved/remaining = %s/%s, want 15/11", got.Approved, got.Remaining)
	}
	if got.ApprovalRef != "0xsecond" {
		t.Errorf("approvalRef = %s, top-up proof must supersede the old one", got.ApprovalRef)
	}
	if !got.ExpiresAt.Equal(newExpiry) {
		t.Errorf("expiresAt = %s, want %s", got.ExpiresAt, newExpiry)
	}
	checkInvariant(t, got)
}

// A top-up with no new deadline keeps the original one.
func TestCreditAtomic_KeepsExpiryWhenUnset(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	_ = store.Create(ctx, s)

	if err := store.CreditAtomic(ctx, s.ID, mustParse(t, "5.00"), "0xtopup", time.Time{}); err != nil {
		t.Fatalf("CreditAtomic: %v", err)
	}

	got, _ := store.Get(ctx, s.ID)
	if !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("expiresAt = %s, want unchanged %s", got.ExpiresAt, s.ExpiresAt)
	}
}

func TestCreditAtomic_ExpiredSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := activeSession("ses_1", "0xaaaa000000000000000000000000000000000001", "10.000000")
	s.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.Create(ctx, s)

	err := store.CreditAtomic(ctx, s.ID, mustParse(t, "5.00"), "0xlate", time.Now().Add(time.Hour))
	if err != ErrSessionExpired {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestListExpirable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	fresh := activeSession("ses_fresh", "0xaaaa000000000000000000000000000000000001", "1.000000")
	stale := activeSession("ses_stale", "0xaaaa000000000000000000000000000000000001", "1.000000")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	done := activeSession("ses_done", "0xaaaa000000000000000000000000000000000001", "1.000000")
	done.Status = StatusRevoked
	done.ExpiresAt = time.Now().Add(-time.Minute)

	for _, s := range []*Session{fresh, stale, done} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create %s: %v", s.ID, err)
		}
	}

	expirable, err := store.ListExpirable(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListExpirable: %v", err)
	}
	if len(expirable) != 1 || expirable[0].ID != "ses_stale" {
		t.Errorf("expirable = %v, want only ses_stale", ids(expirable))
	}
}

func TestCountActive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := activeSession("ses_a", "0xaaaa000000000000000000000000000000000001", "1.000000")
	b := activeSession("ses_b", "0xaaaa000000000000000000000000000000000001", "1.000000")
	b.Status = StatusRevoked

	_ = store.Create(ctx, a)
	_ = store.Create(ctx, b)

	count, err := store.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func ids(sessions []*Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
