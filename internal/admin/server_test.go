package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/database"
	"github.com/digkill/TGRenderBot/internal/gate"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/queue"
	"github.com/digkill/TGRenderBot/internal/repository"
	"github.com/digkill/TGRenderBot/internal/service"
)

func newTestServer(t *testing.T) (*Server, *sql.DB) {
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

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledg := ledger.New(db, log)
	users := service.NewUserService(repository.NewUserRepository(db), ledg, 0, log)
	packages := service.NewPackageService(repository.NewPackageRepository(db))
	promos := service.NewPromoService(repository.NewPromoRepository(db), ledg, log)
	payments := service.NewPaymentService(config.Config{}, repository.NewPaymentRepository(db), packages, ledg, log)
	q := queue.New(repository.NewTaskRepository(db), ledg, log, 100)
	g := gate.New(2)

	return NewServer(":0", "admin", "secret", log, users, packages, promos, payments, q, g, nil), db
}

func TestProtectedRoutesRequireBasicAuth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials: status = %d, want 401", rec.Code)
	}
}

func TestStatsReportsQueueAndGate(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["gate_capacity"] != 2 || stats["queue_backlog"] != 0 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestPromoCRUD(t *testing.T) {
	s, _ := newTestServer(t)

	body := strings.NewReader(`{"code":"LAUNCH","credits":15,"max_uses":10}`)
	req := httptest.NewRequest(http.MethodPost, "/promo-codes/", body)
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/promo-codes/", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "LAUNCH") {
		t.Fatalf("created promo missing from list: %s", rec.Body.String())
	}
}

func TestCreatePackageValidation(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/packages/", strings.NewReader(`{"title":"Starter","currency":"RUB","price_minor_units":0,"credits":0}`))
	req.SetBasicAuth("admin", "secret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero-credit package accepted: status = %d", rec.Code)
	}
}
