package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore is the database-backed payment store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a payment store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectPayment = `
	SELECT id, session_id, owner, payee, resource_id,
	       amount, payee_amount, fee_amount,
	       status, transfer_ref, failure_reason,
	       created_at, verified_at, updated_at
	FROM payments`

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, session_id, owner, payee, resource_id,
		                      amount, payee_amount, fee_amount,
		                      status, transfer_ref, failure_reason,
		                      created_at, verified_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		pay.ID, pay.SessionID, pay.Owner, pay.Payee, nullString(pay.ResourceID),
		pay.Amount, pay.PayeeAmount, pay.FeeAmount,
		string(pay.Status), nullString(pay.TransferRef), nullString(pay.FailureReason),
		pay.CreatedAt, nullTimePtr(pay.VerifiedAt), pay.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, selectPayment+` WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2, transfer_ref = $3, failure_reason = $4,
		    verified_at = $5, updated_at = NOW()
		WHERE id = $1`,
		pay.ID, string(pay.Status), nullString(pay.TransferRef),
		nullString(pay.FailureReason), nullTimePtr(pay.VerifiedAt),
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int, opts ...ListOption) ([]*Payment, error) {
	return p.listWhere(ctx, `session_id = $1`, sessionID, limit, applyListOpts(opts))
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, limit int, opts ...ListOption) ([]*Payment, error) {
	return p.listWhere(ctx, `owner = $1`, owner, limit, applyListOpts(opts))
}

func (p *PostgresStore) listWhere(ctx context.Context, where string, arg any, limit int, o listOpts) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{arg}
	query := selectPayment + ` WHERE ` + where
	if o.cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, o.cursor.CreatedAt, o.cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumVerified(ctx context.Context) (string, error) {
	var total string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::NUMERIC(20,6)
		FROM payments
		WHERE status = 'verified'
	`).Scan(&total)
	if err != nil {
		return "", fmt.Errorf("sum verified payments: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		pay        Payment
		status     string
		resourceID sql.NullString
		ref        sql.NullString
		reason     sql.NullString
		verifiedAt sql.NullTime
	)
	err := row.Scan(
		&pay.ID, &pay.SessionID, &pay.Owner, &pay.Payee, &resourceID,
		&pay.Amount, &pay.PayeeAmount, &pay.FeeAmount,
		&status, &ref, &reason,
		&pay.CreatedAt, &verifiedAt, &pay.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	pay.Status = Status(status)
	pay.ResourceID = resourceID.String
	pay.TransferRef = ref.String
	pay.FailureReason = reason.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		pay.VerifiedAt = &t
	}
	return &pay, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
