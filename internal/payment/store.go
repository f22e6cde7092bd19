// Package payment provides the PostgreSQL-backed payment reference ledger.
// Initiating a payment records a pending reference; the payment provider's
// confirmation callback flips it to confirmed. The ledger exists so a
// confirmation can be checked against a reference this service actually
// issued, for the subject who initiated it.
package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payment statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
)

// Payment is one row of the ledger.
type Payment struct {
	Reference   string
	SubjectID   string
	AmountCents int64
	Currency    string
	Status      string
	CreatedAt   time.Time
	ConfirmedAt sql.NullTime
}

// Store manages payment references in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a payment store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Initiate inserts a pending payment reference for the subject and returns
// its id. The reference is the value later presented by the payment
// provider's confirmation.
func (s *Store) Initiate(ctx context.Context, subjectID string, amountCents int64, currency string) (string, error) {
	if amountCents <= 0 {
		return "", fmt.Errorf("payment: amount must be positive, got %d", amountCents)
	}

	reference := uuid.New().String()
	const query = `
		INSERT INTO payments (reference, subject_id, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, reference, subjectID, amountCents, currency, StatusPending); err != nil {
		return "", fmt.Errorf("payment: insert: %w", err)
	}
	return reference, nil
}

// Confirm atomically flips a pending reference to confirmed. It succeeds
// only for a reference this service issued, still pending, and owned by
// the confirming subject; anything else reports false with no error, so a
// replayed or forged confirmation is a no-op.
func (s *Store) Confirm(ctx context.Context, reference, subjectID string) (bool, error) {
	const query = `
		UPDATE payments
		SET status = $1, confirmed_at = NOW()
		WHERE reference = $2 AND subject_id = $3 AND status = $4`

	res, err := s.db.ExecContext(ctx, query, StatusConfirmed, reference, subjectID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("payment: confirm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment: confirm rows affected: %w", err)
	}
	return n == 1, nil
}

// Get retrieves a payment by reference. Returns nil if not found.
func (s *Store) Get(ctx context.Context, reference string) (*Payment, error) {
	const query = `
		SELECT reference, subject_id, amount_cents, currency, status, created_at, confirmed_at
		FROM payments WHERE reference = $1`

	var p Payment
	err := s.db.QueryRowContext(ctx, query, reference).Scan(
		&p.Reference, &p.SubjectID, &p.AmountCents, &p.Currency, &p.Status, &p.CreatedAt, &p.ConfirmedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment: get: %w", err)
	}
	return &p, nil
}
