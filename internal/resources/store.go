package resources

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/viewlock/viewlock/internal/pagination"
)

// Store persists the resource catalog.
type Store interface {
	Create(ctx context.Context, r *Resource) error
	Get(ctx context.Context, id string) (*Resource, error)
	// List returns resources newest first, up to limit. cursor is an
	// opaque pagination cursor; empty means from the top.
	List(ctx context.Context, limit int, cursor string) ([]*Resource, error)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[string]*Resource)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.resources[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int, cursor string) ([]*Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, err := pagination.Decode(cursor)
	if err != nil {
		cur = nil
	}

	out := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if cur != nil && !r.CreatedAt.Before(cur.CreatedAt) &&
			!(r.CreatedAt.Equal(cur.CreatedAt) && r.ID < cur.ID) {
			continue
		}
		cp := *r
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

// PostgresStore is the database-backed catalog.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a catalog store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectResource = `
	SELECT id, title, payee, price, content_url, grant_ttl_seconds, created_at, updated_at
	FROM resources`

func (p *PostgresStore) Create(ctx context.Context, r *Resource) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resources (id, title, payee, price, content_url, grant_ttl_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Title, r.Payee, r.Price, r.ContentURL, r.GrantTTLSeconds, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Resource, error) {
	row := p.db.QueryRowContext(ctx, selectResource+` WHERE id = $1`, id)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, ErrResourceNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, limit int, cursor string) ([]*Resource, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectResource
	var args []any
	if cur, err := pagination.Decode(cursor); err == nil && cur != nil {
		query += ` WHERE (created_at, id) < ($1, $2)`
		args = append(args, cur.CreatedAt, cur.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var r Resource
	err := row.Scan(&r.ID, &r.Title, &r.Payee, &r.Price, &r.ContentURL,
		&r.GrantTTLSeconds, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
