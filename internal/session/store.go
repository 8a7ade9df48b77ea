package session

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

// Store defines the interface for session persistence.
//
// DebitAtomic and CreditAtomic are the only mutation paths for the
// money columns; they must be atomic with respect to concurrent debits
// on the same session.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByOwner(ctx context.Context, owner string) ([]*Session, error)
	Update(ctx context.Context, s *Session) error

	// DebitAtomic moves amount from remaining to spent, failing with
	// ErrInsufficientRemaining if remaining < amount,
	// ErrSessionNotActive if the session is not active, and
	// ErrSessionExpired if the deadline has passed. The status and
	// expiry are re-checked at mutation time, not from an earlier read.
	DebitAtomic(ctx context.Context, id string, amount *big.Int) error

	// CreditAtomic raises approved and remaining together, for top-ups
	// on an active session. approvalRef records the fresh approval
	// backing the raised ceiling; a non-zero newExpiry replaces the
	// session deadline.
	CreditAtomic(ctx context.Context, id string, amount *big.Int, approvalRef string, newExpiry time.Time) error

	// ListExpirable returns non-terminal sessions whose deadline has
	// passed, up to limit.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Session, error)

	CountActive(ctx context.Context) (int64, error)

	// SumTotals returns the aggregate approved, spent, and remaining
	// amounts across all sessions, as decimal strings.
	SumTotals(ctx context.Context) (approved, spent, remaining string, err error)
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create stores a new session.
func (s *MemoryStore) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return errors.New("session already exists")
	}

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}

	cp := *sess
	return &cp, nil
}

// GetByOwner returns all sessions for an owner wallet.
func (s *MemoryStore) GetByOwner(ctx context.Context, owner string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner = strings.ToLower(owner)
	var result []*Session
	for _, sess := range s.sessions {
		if strings.ToLower(sess.Owner) == owner {
			cp := *sess
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update replaces an existing session.
func (s *MemoryStore) Update(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; !exists {
		return ErrSessionNotFound
	}

	cp := *sess
	cp.UpdatedAt = time.Now()
	s.sessions[sess.ID] = &cp
	return nil
}

// DebitAtomic checks and mutates the money columns under one lock so
// two concurrent debits can never both pass the remaining check.
func (s *MemoryStore) DebitAtomic(ctx context.Context, id string, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return ErrSessionNotActive
	}
	if time.Now().After(sess.ExpiresAt) {
		return ErrSessionExpired
	}

	remaining, _ := usdc.Parse(sess.Remaining)
	if remaining.Cmp(amount) < 0 {
		return ErrInsufficientRemaining
	}

	spent, _ := usdc.Parse(sess.Spent)
	remaining.Sub(remaining, amount)
	spent.Add(spent, amount)

	sess.Remaining = usdc.Format(remaining)
	sess.Spent = usdc.Format(spent)
	sess.UpdatedAt = time.Now()
	return nil
}

// CreditAtomic raises approved and remaining together, recording the
// fresh approval and, when given, the extended deadline.
func (s *MemoryStore) CreditAtomic(ctx context.Context, id string, amount *big.Int, approvalRef string, newExpiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return ErrSessionNotActive
	}
	if time.Now().After(sess.ExpiresAt) {
		return ErrSessionExpired
	}

	approved, _ := usdc.Parse(sess.Approved)
	remaining, _ := usdc.Parse(sess.Remaining)
	approved.Add(approved, amount)
	remaining.Add(remaining, amount)

	sess.Approved = usdc.Format(approved)
	sess.Remaining = usdc.Format(remaining)
	if approvalRef != "" {
		sess.ApprovalRef = approvalRef
	}
	if !newExpiry.IsZero() {
		sess.ExpiresAt = newExpiry
	}
	sess.UpdatedAt = time.Now()
	return nil
}

// ListExpirable returns non-terminal sessions past their deadline.
func (s *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Session
	for _, sess := range s.sessions {
		if sess.Status.IsTerminal() {
			continue
		}
		if now.After(sess.ExpiresAt) {
			cp := *sess
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// SumTotals aggregates the money columns across all sessions.
func (s *MemoryStore) SumTotals(ctx context.Context) (string, string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	approved := new(big.Int)
	spent := new(big.Int)
	remaining := new(big.Int)
	for _, sess := range s.sessions {
		a, _ := usdc.Parse(sess.Approved)
		sp, _ := usdc.Parse(sess.Spent)
		r, _ := usdc.Parse(sess.Remaining)
		approved.Add(approved, a)
		spent.Add(spent, sp)
		remaining.Add(remaining, r)
	}
	return usdc.Format(approved), usdc.Format(spent), usdc.Format(remaining), nil
}

// CountActive returns the number of currently active sessions.
func (s *MemoryStore) CountActive(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, sess := range s.sessions {
		if sess.IsActive() {
			count++
		}
	}
	return count, nil
}
