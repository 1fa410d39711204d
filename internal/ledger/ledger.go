package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"creatorstudio/pkg/logging"
)

// ErrInsufficientCredits is returned when a debit would take the balance negative.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrInvalidAmount is returned for zero or negative amounts.
var ErrInvalidAmount = errors.New("amount must be positive")

// TransactionType categorizes ledger entries.
type TransactionType string

const (
	TypePurchase        TransactionType = "purchase"
	TypeVideoGeneration TransactionType = "video_generation"
	TypeMusicGeneration TransactionType = "music_generation"
	TypeSFXGeneration   TransactionType = "sfx_generation"
	TypeRefund          TransactionType = "refund"
)

// Transaction is one immutable entry in the credit ledger.
type Transaction struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Amount            int64           `json:"amount"`
	BalanceAfter      int64           `json:"balance_after"`
	Type              TransactionType `json:"type"`
	Description       string          `json:"description"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Service owns the credit balance store. All balance mutations go through
// Debit and Credit; each one runs as a single database transaction with the
// account row locked, so the check-and-mutate step is indivisible across
// concurrent submissions and webhook deliveries.
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a ledger service backed by the given database.
func New(db *sql.DB, logger logging.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Transient Postgres failures worth retrying before surfacing an error.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

const maxTxAttempts = 3

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgSerializationFailure || string(pqErr.Code) == pgDeadlockDetected
	}
	return false
}

// Balance returns the user's current balance, creating the account lazily.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var balance int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Debit removes amount credits from the user's balance and appends a negative
// ledger entry. Returns ErrInsufficientCredits without mutating anything when
// the balance cannot cover the amount.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, txType TransactionType, description string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var newBalance int64
	err := s.withRetry(ctx, func() error {
		var err error
		newBalance, err = s.debitOnce(ctx, userID, amount, txType, description)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.WithFields(logging.Fields{
		"user_id":     userID,
		"amount":      amount,
		"new_balance": newBalance,
		"type":        txType,
	}).Info("Debited credits")

	return newBalance, nil
}

func (s *Service) debitOnce(ctx context.Context, userID string, amount int64, txType TransactionType, description string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	if balance < amount {
		return 0, ErrInsufficientCredits
	}

	newBalance := balance - amount
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, balance_after, transaction_type, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), userID, -amount, newBalance, txType, description); err != nil {
		return 0, fmt.Errorf("failed to append debit transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2
	`, newBalance, userID); err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit debit: %w", err)
	}
	return newBalance, nil
}

// Credit adds amount credits to the user's balance and appends a positive
// ledger entry. When externalReference is set and a transaction with that
// reference already exists, the call is a no-op returning the current balance,
// which makes at-least-once webhook delivery safe.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, txType TransactionType, description, externalReference string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var newBalance int64
	var applied bool
	err := s.withRetry(ctx, func() error {
		var err error
		newBalance, applied, err = s.creditOnce(ctx, userID, amount, txType, description, externalReference)
		return err
	})
	if err != nil {
		return 0, err
	}

	if !applied {
		s.logger.WithFields(logging.Fields{
			"user_id":   userID,
			"reference": externalReference,
		}).Info("Credit already applied for reference, skipping")
		return newBalance, nil
	}

	s.logger.WithFields(logging.Fields{
		"user_id":     userID,
		"amount":      amount,
		"new_balance": newBalance,
		"type":        txType,
		"reference":   externalReference,
	}).Info("Credited credits")

	return newBalance, nil
}

func (s *Service) creditOnce(ctx context.Context, userID string, amount int64, txType TransactionType, description, externalReference string) (int64, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	balance, err := lockBalance(ctx, tx, userID)
	if err != nil {
		return 0, false, err
	}

	newBalance := balance + amount

	var result sql.Result
	if externalReference != "" {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, amount, balance_after, transaction_type, description, external_reference)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (external_reference) DO NOTHING
		`, uuid.New().String(), userID, amount, newBalance, txType, description, externalReference)
	} else {
		result, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, amount, balance_after, transaction_type, description)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), userID, amount, newBalance, txType, description)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to append credit transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to check credit transaction result: %w", err)
	}
	if rows == 0 {
		// Reference already recorded; balance stays as-is.
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("failed to commit no-op credit: %w", err)
		}
		return balance, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts SET balance = $1, updated_at = NOW() WHERE user_id = $2
	`, newBalance, userID); err != nil {
		return 0, false, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit credit: %w", err)
	}
	return newBalance, true, nil
}

// Transactions returns the most recent ledger entries for a user, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, balance_after, transaction_type, description,
		       COALESCE(external_reference, ''), created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.BalanceAfter, &t.Type,
			&t.Description, &t.ExternalReference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// lockBalance ensures the account row exists and takes a row lock on it,
// serializing all concurrent mutations for the same user.
func lockBalance(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return 0, fmt.Errorf("failed to ensure credit account: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to lock balance: %w", err)
	}
	return balance, nil
}

// withRetry runs op, retrying a bounded number of times on transient
// serialization or deadlock failures.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = op()
		if err == nil || !isRetryable(err) {
			return err
		}
		s.logger.WithError(err).WithFields(logging.Fields{
			"attempt": attempt,
		}).Warn("Ledger write conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}
	return fmt.Errorf("ledger operation failed after %d attempts: %w", maxTxAttempts, err)
}
