// Package grants tracks which payer already bought access to which
// resource. A grant is what lets the access gate serve a resource
// without issuing a new payment challenge.
package grants

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrGrantNotFound is returned when no grant covers the lookup.
var ErrGrantNotFound = errors.New("access grant not found")

// AccessGrant records one purchased access. A nil ExpiresAt means the
// grant never lapses.
type AccessGrant struct {
	ID         string     `json:"id"`
	Payer      string     `json:"payer"` // session owner wallet
	ResourceID string     `json:"resourceId"`
	PaymentID  string     `json:"paymentId"`
	GrantedAt  time.Time  `json:"grantedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Valid reports whether the grant covers access at t.
func (g *AccessGrant) Valid(t time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}

// Store persists access grants.
type Store interface {
	Put(ctx context.Context, g *AccessGrant) error
	// Get returns the newest valid grant for (payer, resource).
	Get(ctx context.Context, payer, resourceID string) (*AccessGrant, error)
	ListByPayer(ctx context.Context, payer string) ([]*AccessGrant, error)
	// PurgeExpired removes lapsed grants and returns how many went.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*AccessGrant
}

// NewMemoryStore creates an empty in-memory grant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*AccessGrant)}
}

func (s *MemoryStore) Put(ctx context.Context, g *AccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.grants[g.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, payer, resourceID string) (*AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *AccessGrant
	now := time.Now()
	for _, g := range s.grants {
		if g.Payer != payer || g.ResourceID != resourceID || !g.Valid(now) {
			continue
		}
		if best == nil || g.GrantedAt.After(best.GrantedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, ErrGrantNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListByPayer(ctx context.Context, payer string) ([]*AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AccessGrant
	for _, g := range s.grants {
		if g.Payer == payer {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})
	return out, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int
	for id, g := range s.grants {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			delete(s.grants, id)
			purged++
		}
	}
	return purged, nil
}
