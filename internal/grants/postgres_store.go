package grants

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is the database-backed grant store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a grant store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectGrant = `
	SELECT id, payer, resource_id, payment_id, granted_at, expires_at
	FROM access_grants`

func (p *PostgresStore) Put(ctx context.Context, g *AccessGrant) error {
	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_grants (id, payer, resource_id, payment_id, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.Payer, g.ResourceID, g.PaymentID, g.GrantedAt, expires,
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, payer, resourceID string) (*AccessGrant, error) {
	row := p.db.QueryRowContext(ctx, selectGrant+`
		WHERE payer = $1 AND resource_id = $2
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY granted_at DESC
		LIMIT 1`, payer, resourceID)
	return scanGrant(row)
}

func (p *PostgresStore) ListByPayer(ctx context.Context, payer string) ([]*AccessGrant, error) {
	rows, err := p.db.QueryContext(ctx, selectGrant+`
		WHERE payer = $1 ORDER BY granted_at DESC`, payer)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AccessGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM access_grants WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge grants: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*AccessGrant, error) {
	var (
		g       AccessGrant
		expires sql.NullTime
	)
	err := row.Scan(&g.ID, &g.Payer, &g.ResourceID, &g.PaymentID, &g.GrantedAt, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan grant: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return &g, nil
}
