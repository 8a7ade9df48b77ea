package payments

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/viewlock/viewlock/internal/pagination"
	"github.com/viewlock/viewlock/internal/usdc"
)

// ListOption configures optional parameters for list queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor filters results to items after the given cursor position.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Store persists payment records.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	// ListBySession returns payments for a session, newest first, up to limit.
	ListBySession(ctx context.Context, sessionID string, limit int, opts ...ListOption) ([]*Payment, error)
	// ListByOwner returns payments made from an owner's sessions, newest first, up to limit.
	ListByOwner(ctx context.Context, owner string, limit int, opts ...ListOption) ([]*Payment, error)
	// SumVerified returns the total amount of verified payments as a
	// decimal string.
	SumVerified(ctx context.Context) (string, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]*Payment
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]*Payment)}
}

func (s *MemoryStore) Create(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	cp.UpdatedAt = time.Now()
	s.payments[p.ID] = &cp
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int, opts ...ListOption) ([]*Payment, error) {
	return s.list(func(p *Payment) bool { return p.SessionID == sessionID }, limit, applyListOpts(opts))
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, limit int, opts ...ListOption) ([]*Payment, error) {
	return s.list(func(p *Payment) bool { return p.Owner == owner }, limit, applyListOpts(opts))
}

func (s *MemoryStore) SumVerified(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, p := range s.payments {
		if p.Status != StatusVerified {
			continue
		}
		amt, ok := usdc.Parse(p.Amount)
		if !ok {
			continue
		}
		total.Add(total, amt)
	}
	return usdc.Format(total), nil
}

func (s *MemoryStore) list(match func(*Payment) bool, limit int, o listOpts) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Payment
	for _, p := range s.payments {
		if !match(p) {
			continue
		}
		if o.cursor != nil && !beforeCursor(p, o.cursor) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// beforeCursor reports whether p sorts strictly after the cursor position
// in newest-first order.
func beforeCursor(p *Payment, c *pagination.Cursor) bool {
	if p.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return p.CreatedAt.Equal(c.CreatedAt) && p.ID < c.ID
}
