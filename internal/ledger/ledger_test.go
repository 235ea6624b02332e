package ledger

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/database"
	"github.com/digkill/TGRenderBot/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := config.Config{
		DatabaseDriver: "sqlite",
		DatabaseDSN:    filepath.Join(t.TempDir(), "test.db"),
	}
	db, err := database.Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(context.Background(), db, "sqlite"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestUser(t *testing.T, db *sql.DB, balance int) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (telegram_id, balance) VALUES (?, ?)`, 1000+balance, balance)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDebitInsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 10)

	res, err := svc.Debit(ctx, userID, "req-1", 11)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if res != InsufficientBalance {
		t.Fatalf("got %v, want InsufficientBalance", res)
	}

	balance, err := svc.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance changed to %d after refused debit", balance)
	}

	entries, err := svc.Entries(ctx, userID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("refused debit left %d ledger entries", len(entries))
	}
}

func TestDebitIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 100)

	res, err := svc.Debit(ctx, userID, "req-1", 11)
	if err != nil {
		t.Fatalf("first debit: %v", err)
	}
	if res != Applied {
		t.Fatalf("first debit: got %v, want Applied", res)
	}

	res, err = svc.Debit(ctx, userID, "req-1", 11)
	if err != nil {
		t.Fatalf("second debit: %v", err)
	}
	if res != AlreadyApplied {
		t.Fatalf("second debit: got %v, want AlreadyApplied", res)
	}

	balance, _ := svc.Balance(ctx, userID)
	if balance != 89 {
		t.Fatalf("balance = %d, want 89 (debited exactly once)", balance)
	}
}

func TestRefundReasonsShareOneClass(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 100)

	if _, err := svc.Debit(ctx, userID, "req-1", 11); err != nil {
		t.Fatalf("debit: %v", err)
	}

	res, err := svc.Credit(ctx, userID, "req-1", models.ReasonRefundTimeout, 11)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res != Applied {
		t.Fatalf("first refund: got %v, want Applied", res)
	}

	// A second refund through a different failure path must be a no-op.
	res, err = svc.Credit(ctx, userID, "req-1", models.ReasonRefundError, 11)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if res != AlreadyApplied {
		t.Fatalf("second refund: got %v, want AlreadyApplied", res)
	}

	res, err = svc.Credit(ctx, userID, "req-1", models.ReasonRefundCancel, 11)
	if err != nil {
		t.Fatalf("third refund: %v", err)
	}
	if res != AlreadyApplied {
		t.Fatalf("third refund: got %v, want AlreadyApplied", res)
	}

	balance, _ := svc.Balance(ctx, userID)
	if balance != 100 {
		t.Fatalf("balance = %d, want 100 (refunded exactly once)", balance)
	}
}

func TestDebitAndRefundSameReferenceCoexist(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 50)

	if _, err := svc.Debit(ctx, userID, "req-1", 11); err != nil {
		t.Fatalf("debit: %v", err)
	}
	res, err := svc.Credit(ctx, userID, "req-1", models.ReasonRefundError, 11)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res != Applied {
		t.Fatalf("refund with same reference as debit: got %v, want Applied", res)
	}

	debitEntry, err := svc.EntryFor(ctx, "req-1", "debit")
	if err != nil || debitEntry == nil {
		t.Fatalf("debit entry missing: %v", err)
	}
	refundEntry, err := svc.EntryFor(ctx, "req-1", "refund")
	if err != nil || refundEntry == nil {
		t.Fatalf("refund entry missing: %v", err)
	}
	if debitEntry.Amount != -11 || refundEntry.Amount != 11 {
		t.Fatalf("amounts = %d, %d, want -11, 11", debitEntry.Amount, refundEntry.Amount)
	}
}

func TestTopupIdempotentByPaymentID(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 0)

	ref := "yookassa:pay-123"
	if res, err := svc.Credit(ctx, userID, ref, models.ReasonTopup, 200); err != nil || res != Applied {
		t.Fatalf("first topup: res=%v err=%v", res, err)
	}
	// Webhook redelivery.
	if res, err := svc.Credit(ctx, userID, ref, models.ReasonTopup, 200); err != nil || res != AlreadyApplied {
		t.Fatalf("replayed topup: res=%v err=%v", res, err)
	}

	balance, _ := svc.Balance(ctx, userID)
	if balance != 200 {
		t.Fatalf("balance = %d, want 200", balance)
	}
}

func TestEntriesRecordBalanceAfter(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, testLogger())
	ctx := context.Background()
	userID := newTestUser(t, db, 0)

	if _, err := svc.Credit(ctx, userID, "welcome:1", models.ReasonWelcome, 11); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if _, err := svc.Debit(ctx, userID, "req-1", 11); err != nil {
		t.Fatalf("debit: %v", err)
	}

	entries, err := svc.Entries(ctx, userID, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].BalanceAfter != 0 || entries[1].BalanceAfter != 11 {
		t.Fatalf("balance_after = %d, %d, want 0, 11", entries[0].BalanceAfter, entries[1].BalanceAfter)
	}
}
