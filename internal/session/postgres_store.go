package session

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/viewlock/viewlock/internal/usdc"
)

// PostgresStore implements Store using PostgreSQL.
//
// The money columns are NUMERIC(20,6) with CHECK constraints keeping
// remaining >= 0 and approved = spent + remaining, so the database is
// the last line of defense against a double-spend even if application
// logic regresses.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_address, delegate_address, sealed_key,
			approved, spent, remaining,
			status, approval_ref,
			created_at, activated_at, revoked_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10, $11, $12, $13, $14)
	`,
		s.ID,
		strings.ToLower(s.Owner),
		s.DelegateAddr,
		s.SealedKey,
		s.Approved,
		s.Spent,
		s.Remaining,
		string(s.Status),
		nullString(s.ApprovalRef),
		s.CreatedAt,
		nullTimePtr(s.ActivatedAt),
		nullTimePtr(s.RevokedAt),
		s.ExpiresAt,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByOwner(ctx context.Context, owner string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, selectSession+`
		WHERE owner_address = $1 ORDER BY created_at DESC
	`, strings.ToLower(owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := p.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			status       = $1,
			approval_ref = $2,
			activated_at = $3,
			revoked_at   = $4,
			updated_at   = NOW()
		WHERE id = $5
	`,
		string(s.Status),
		nullString(s.ApprovalRef),
		nullTimePtr(s.ActivatedAt),
		nullTimePtr(s.RevokedAt),
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DebitAtomic performs the check and the mutation in a single
// conditional UPDATE, so two racing debits can never both succeed past
// the remaining balance. The expiry guard runs here too: a session
// whose deadline passed mid-settlement must not be debited even while
// the sweep still has it marked active.
func (p *PostgresStore) DebitAtomic(ctx context.Context, id string, amount *big.Int) error {
	amt := usdc.Format(amount)

	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			spent      = spent + $2::NUMERIC(20,6),
			remaining  = remaining - $2::NUMERIC(20,6),
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND expires_at > NOW()
		  AND remaining >= $2::NUMERIC(20,6)
	`, id, amt)
	if err != nil {
		return fmt.Errorf("failed to debit session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	// The guarded UPDATE matched nothing. Distinguish why.
	s, getErr := p.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if s.Status != StatusActive {
		return ErrSessionNotActive
	}
	if time.Now().After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return ErrInsufficientRemaining
}

func (p *PostgresStore) CreditAtomic(ctx context.Context, id string, amount *big.Int, approvalRef string, newExpiry time.Time) error {
	amt := usdc.Format(amount)

	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET
			approved     = approved + $2::NUMERIC(20,6),
			remaining    = remaining + $2::NUMERIC(20,6),
			approval_ref = COALESCE(NULLIF($3::TEXT, ''), approval_ref),
			expires_at   = COALESCE($4::TIMESTAMPTZ, expires_at),
			updated_at   = NOW()
		WHERE id = $1 AND status = 'active' AND expires_at > NOW()
	`, id, amt, approvalRef, nullTime(newExpiry))
	if err != nil {
		return fmt.Errorf("failed to credit session: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	s, getErr := p.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if s.Status != StatusActive {
		return ErrSessionNotActive
	}
	if time.Now().After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	return fmt.Errorf("failed to credit session %s", id)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, selectSession+`
		WHERE status IN ('pending', 'active') AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expirable sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := p.scanOne(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (p *PostgresStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE status = 'active' AND expires_at > NOW()
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) SumTotals(ctx context.Context) (string, string, string, error) {
	var approved, spent, remaining string
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(approved),  0)::NUMERIC(20,6),
			COALESCE(SUM(spent),     0)::NUMERIC(20,6),
			COALESCE(SUM(remaining), 0)::NUMERIC(20,6)
		FROM sessions
	`).Scan(&approved, &spent, &remaining)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to sum session totals: %w", err)
	}
	return approved, spent, remaining, nil
}

const selectSession = `
	SELECT
		id, owner_address, delegate_address, sealed_key,
		approved, spent, remaining,
		status, approval_ref,
		created_at, activated_at, revoked_at, expires_at, updated_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanOne(row rowScanner) (*Session, error) {
	var s Session
	var status string
	var approvalRef sql.NullString
	var activatedAt, revokedAt sql.NullTime

	err := row.Scan(
		&s.ID,
		&s.Owner,
		&s.DelegateAddr,
		&s.SealedKey,
		&s.Approved,
		&s.Spent,
		&s.Remaining,
		&status,
		&approvalRef,
		&s.CreatedAt,
		&activatedAt,
		&revokedAt,
		&s.ExpiresAt,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	s.Status = Status(status)
	s.ApprovalRef = approvalRef.String
	if activatedAt.Valid {
		s.ActivatedAt = &activatedAt.Time
	}
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.Time
	}
	return &s, nil
}

// Helpers

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
