package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/database"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUser(t *testing.T, db *sql.DB, telegramID int64, balance int) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (telegram_id, balance) VALUES (?, ?)`, telegramID, balance)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestEnsureGrantsWelcomeOnce(t *testing.T) {
	db := newTestDB(t)
	ledg := ledger.New(db, testLogger())
	users := NewUserService(repository.NewUserRepository(db), ledg, 11, testLogger())
	ctx := context.Background()

	user, created, err := users.Ensure(ctx, 42, "alice", "Alice", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("first contact should create the user")
	}
	if user.Balance != 11 {
		t.Fatalf("balance = %d, want 11 after welcome bonus", user.Balance)
	}

	again, created, err := users.Ensure(ctx, 42, "alice", "Alice", "")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("second contact must not create")
	}
	balance, _ := ledg.Balance(ctx, again.ID)
	if balance != 11 {
		t.Fatalf("balance = %d, want 11 (welcome bonus is one-shot)", balance)
	}
}

func TestPromoRedeemIsPerUserIdempotent(t *testing.T) {
	db := newTestDB(t)
	ledg := ledger.New(db, testLogger())
	promoRepo := repository.NewPromoRepository(db)
	promos := NewPromoService(promoRepo, ledg, testLogger())
	ctx := context.Background()

	alice := newTestUser(t, db, 1, 0)
	bob := newTestUser(t, db, 2, 0)

	if _, err := promos.Create(ctx, &models.PromoCode{Code: "SPRING", Credits: 20, MaxUses: 2}); err != nil {
		t.Fatalf("create promo: %v", err)
	}

	credits, err := promos.Redeem(ctx, alice, "SPRING")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if credits != 20 {
		t.Fatalf("credits = %d, want 20", credits)
	}

	if _, err := promos.Redeem(ctx, alice, "SPRING"); !errors.Is(err, ErrPromoAlreadyRedeemed) {
		t.Fatalf("repeat redeem: got %v, want ErrPromoAlreadyRedeemed", err)
	}
	// The failed repeat must not consume a use: bob can still redeem.
	if _, err := promos.Redeem(ctx, bob, "SPRING"); err != nil {
		t.Fatalf("bob redeem: %v", err)
	}

	balance, _ := ledg.Balance(ctx, alice)
	if balance != 20 {
		t.Fatalf("alice balance = %d, want 20", balance)
	}

	if _, err := promos.Redeem(ctx, newTestUser(t, db, 3, 0), "SPRING"); !errors.Is(err, ErrPromoExhausted) {
		t.Fatalf("exhausted code: got %v, want ErrPromoExhausted", err)
	}
	if _, err := promos.Redeem(ctx, alice, "NOPE"); !errors.Is(err, ErrPromoInvalid) {
		t.Fatalf("unknown code: got %v, want ErrPromoInvalid", err)
	}
}

func paymentFixture(t *testing.T) (*PaymentService, *ledger.Service, *repository.PaymentRepository, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	ledg := ledger.New(db, testLogger())
	payments := repository.NewPaymentRepository(db)
	packages := NewPackageService(repository.NewPackageRepository(db))
	svc := NewPaymentService(config.Config{
		PaymentProvider:   "yookassa",
		YooKassaShopID:    "shop",
		YooKassaSecretKey: "secret",
	}, payments, packages, ledg, testLogger())
	return svc, ledg, payments, db
}

func TestWebhookSettlesOnceUnderRedelivery(t *testing.T) {
	svc, ledg, payments, db := paymentFixture(t)
	ctx := context.Background()
	userID := newTestUser(t, db, 1, 0)

	record := &models.Payment{
		UserID:         userID,
		Provider:       "yookassa",
		ProviderCharge: "pay-1",
		Currency:       "RUB",
		Amount:         19900,
		Credits:        200,
		Status:         "pending",
	}
	if err := payments.Create(ctx, record); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	webhook := []byte(`{"event":"payment.succeeded","object":{"id":"pay-1","status":"succeeded"}}`)
	if err := svc.HandleYooKassaWebhook(ctx, webhook); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	// Redelivery.
	if err := svc.HandleYooKassaWebhook(ctx, webhook); err != nil {
		t.Fatalf("replayed webhook: %v", err)
	}

	balance, _ := ledg.Balance(ctx, userID)
	if balance != 200 {
		t.Fatalf("balance = %d, want 200 (settled exactly once)", balance)
	}
	stored, _ := payments.FindByProviderCharge(ctx, "yookassa", "pay-1")
	if stored.Status != "paid" {
		t.Fatalf("payment status = %s, want paid", stored.Status)
	}
}

func TestReconcilerSettlesPendingPayment(t *testing.T) {
	svc, ledg, payments, db := paymentFixture(t)
	ctx := context.Background()
	userID := newTestUser(t, db, 1, 0)

	record := &models.Payment{
		UserID:         userID,
		Provider:       "yookassa",
		ProviderCharge: "pay-2",
		Currency:       "RUB",
		Amount:         19900,
		Credits:        200,
		Status:         "pending",
	}
	if err := payments.Create(ctx, record); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payments/pay-2" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pay-2", "status": "succeeded"})
	}))
	defer provider.Close()
	svc.apiBase = provider.URL

	if err := svc.ReconcileOnce(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	balance, _ := ledg.Balance(ctx, userID)
	if balance != 200 {
		t.Fatalf("balance = %d, want 200", balance)
	}

	// A second pass finds nothing pending and changes nothing.
	if err := svc.ReconcileOnce(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if balance, _ = ledg.Balance(ctx, userID); balance != 200 {
		t.Fatalf("second pass re-credited: balance = %d", balance)
	}
}

func TestWebhookUnknownPaymentRejected(t *testing.T) {
	svc, _, _, _ := paymentFixture(t)
	err := svc.HandleYooKassaWebhook(context.Background(), []byte(`{"object":{"id":"ghost","status":"succeeded"}}`))
	if err == nil {
		t.Fatal("webhook for unknown payment must fail")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Fatalf("unexpected error: %v", err)
	}
}
