package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGRenderBot/internal/models"
)

// Result reports what a debit or credit actually did.
type Result int

const (
	Applied Result = iota
	AlreadyApplied
	InsufficientBalance
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already-applied"
	case InsufficientBalance:
		return "insufficient-balance"
	}
	return "unknown"
}

// Service is the append-only credit ledger. Every balance change goes through
// here and is keyed by (reference_id, reason class), so replaying a debit or a
// refund after a crash is a no-op rather than a double movement.
type Service struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB, log *slog.Logger) *Service {
	return &Service{db: db, log: log}
}

// Debit withdraws amount credits from the user, keyed by requestID. The
// balance check and the ledger append commit atomically; a balance that would
// go negative rejects the debit with no side effects.
func (s *Service) Debit(ctx context.Context, userID int64, requestID string, amount int) (Result, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, -amount, models.ReasonGeneration, requestID)
}

// Credit deposits amount credits, keyed by referenceID and the reason's
// idempotency class. All refund reasons share one class, so a task can be
// refunded at most once no matter which failure path fired.
func (s *Service) Credit(ctx context.Context, userID int64, referenceID string, reason models.LedgerReason, amount int) (Result, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return s.apply(ctx, userID, amount, reason, referenceID)
}

// Balance returns the user's current credit balance.
func (s *Service) Balance(ctx context.Context, userID int64) (int, error) {
	var balance int
	row := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID)
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Entries returns the most recent ledger entries for a user, newest first.
func (s *Service) Entries(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, amount, reason, reason_class, reference_id, balance_after, created_at
FROM credit_ledger WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var reason string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.ReasonClass, &e.ReferenceID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Reason = models.LedgerReason(reason)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryFor returns the entry recorded for (referenceID, class), or nil.
func (s *Service) EntryFor(ctx context.Context, referenceID, class string) (*models.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, amount, reason, reason_class, reference_id, balance_after, created_at
FROM credit_ledger WHERE reference_id = ? AND reason_class = ?`, referenceID, class)
	var e models.LedgerEntry
	var reason string
	if err := row.Scan(&e.ID, &e.UserID, &e.Amount, &reason, &e.ReasonClass, &e.ReferenceID, &e.BalanceAfter, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.Reason = models.LedgerReason(reason)
	return &e, nil
}

func (s *Service) apply(ctx context.Context, userID int64, amount int, reason models.LedgerReason, referenceID string) (Result, error) {
	class := reason.Class()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	row := tx.QueryRowContext(ctx,
		`SELECT id FROM credit_ledger WHERE reference_id = ? AND reason_class = ?`, referenceID, class)
	if err := row.Scan(&existing); err == nil {
		return AlreadyApplied, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("check ledger idempotency: %w", err)
	}

	now := time.Now().UTC()
	if amount < 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = balance + ?, updated_at = ? WHERE id = ? AND balance >= ?`,
			amount, now, userID, -amount)
		if err != nil {
			return 0, fmt.Errorf("debit balance: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("debit rows affected: %w", err)
		}
		if affected == 0 {
			return InsufficientBalance, nil
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET balance = balance + ?, updated_at = ? WHERE id = ?`,
			amount, now, userID); err != nil {
			return 0, fmt.Errorf("credit balance: %w", err)
		}
	}

	var balanceAfter int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balanceAfter); err != nil {
		return 0, fmt.Errorf("read balance after: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_ledger (user_id, amount, reason, reason_class, reference_id, balance_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, amount, string(reason), class, referenceID, balanceAfter, now); err != nil {
		// A concurrent writer beat us past the SELECT; the unique index on
		// (reference_id, reason_class) makes the second insert the loser.
		if isDuplicateErr(err) {
			return AlreadyApplied, nil
		}
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.log.Info("ledger entry recorded",
		"user_id", userID, "amount", amount, "reason", string(reason), "ref", referenceID, "balance_after", balanceAfter)
	return Applied, nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint")
}
