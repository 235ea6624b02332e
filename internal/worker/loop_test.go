package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/digkill/TGRenderBot/internal/backend"
	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/database"
	"github.com/digkill/TGRenderBot/internal/gate"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/queue"
	"github.com/digkill/TGRenderBot/internal/repository"
)

type fakeGenerator struct {
	submitErr error
	awaitErr  error
	data      []byte
	// submitted counts backend calls so tests can assert a cancelled task
	// never reached the backend.
	submitted int
}

func (f *fakeGenerator) Submit(ctx context.Context, kind models.TaskKind, payload models.TaskPayload) (*backend.Job, error) {
	f.submitted++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &backend.Job{ID: "job-1", Kind: kind, DurationSeconds: 5, SubmittedAt: time.Now()}, nil
}

func (f *fakeGenerator) AwaitResult(ctx context.Context, job *backend.Job, budget time.Duration) ([]byte, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return f.data, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	successes []string
	failures  map[string]error
	cancels   []string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failures: make(map[string]error)}
}

func (f *fakeNotifier) NotifySuccess(ctx context.Context, task *models.Task, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, task.TaskID)
	return nil
}

func (f *fakeNotifier) NotifyFailure(ctx context.Context, task *models.Task, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[task.TaskID] = cause
	return nil
}

func (f *fakeNotifier) NotifyCancelled(ctx context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, task.TaskID)
	return nil
}

type harness struct {
	db       *sql.DB
	ledger   *ledger.Service
	queue    *queue.Queue
	gate     *gate.Gate
	gen      *fakeGenerator
	notifier *fakeNotifier
	worker   *Worker
	userID   int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Config{
		DatabaseDriver:     "sqlite",
		DatabaseDSN:        filepath.Join(t.TempDir(), "test.db"),
		GateAcquireTimeout: 100 * time.Millisecond,
		GenerationBudget:   time.Second,
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
	q := queue.New(repository.NewTaskRepository(db), ledg, log, 100)
	g := gate.New(1)
	gen := &fakeGenerator{data: []byte("result-bytes")}
	notifier := newFakeNotifier()

	res, err := db.Exec(`INSERT INTO users (telegram_id, balance) VALUES (1, 100)`)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	userID, _ := res.LastInsertId()

	return &harness{
		db:       db,
		ledger:   ledg,
		queue:    q,
		gate:     g,
		gen:      gen,
		notifier: notifier,
		worker:   New(q, g, gen, ledg, notifier, nil, cfg, log),
		userID:   userID,
	}
}

func (h *harness) enqueueAndDequeue(t *testing.T) *models.Task {
	t.Helper()
	ctx := context.Background()
	if _, _, err := h.queue.Enqueue(ctx, h.userID, 10, models.TaskKindImage, models.TaskPayload{Prompt: "a"}, 11); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := h.queue.Dequeue(ctx)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}
	return task
}

func (h *harness) balance(t *testing.T) int {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), h.userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func (h *harness) taskStatus(t *testing.T, taskID string) models.TaskStatus {
	t.Helper()
	task, err := h.queue.Status(context.Background(), taskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return task.Status
}

func TestProcessSuccessKeepsDebit(t *testing.T) {
	h := newHarness(t)
	task := h.enqueueAndDequeue(t)

	h.worker.process(context.Background(), task)

	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
	if h.balance(t) != 89 {
		t.Fatalf("balance = %d, want 89 (successful task stays charged)", h.balance(t))
	}
	if len(h.notifier.successes) != 1 {
		t.Fatalf("success notices = %d, want 1", len(h.notifier.successes))
	}
	if h.gate.InUse() != 0 {
		t.Fatalf("slot leaked: in use = %d", h.gate.InUse())
	}
}

func TestProcessTimeoutRefundsWithTimeoutReason(t *testing.T) {
	h := newHarness(t)
	h.gen.awaitErr = fmt.Errorf("%w: after 600s", backend.ErrTimeout)
	task := h.enqueueAndDequeue(t)

	h.worker.process(context.Background(), task)

	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if h.balance(t) != 100 {
		t.Fatalf("balance = %d, want 100 after refund", h.balance(t))
	}
	entry, err := h.ledger.EntryFor(context.Background(), task.RequestID, "refund")
	if err != nil || entry == nil {
		t.Fatalf("refund entry missing: %v", err)
	}
	if entry.Reason != models.ReasonRefundTimeout {
		t.Fatalf("refund reason = %s, want %s", entry.Reason, models.ReasonRefundTimeout)
	}
	if cause := h.notifier.failures[task.TaskID]; !errors.Is(cause, backend.ErrTimeout) {
		t.Fatalf("failure notice cause = %v, want ErrTimeout", cause)
	}
}

func TestProcessBackendErrorRefundsWithErrorReason(t *testing.T) {
	h := newHarness(t)
	h.gen.awaitErr = fmt.Errorf("%w: boom", backend.ErrGeneration)
	task := h.enqueueAndDequeue(t)

	h.worker.process(context.Background(), task)

	if h.balance(t) != 100 {
		t.Fatalf("balance = %d, want 100 after refund", h.balance(t))
	}
	entry, _ := h.ledger.EntryFor(context.Background(), task.RequestID, "refund")
	if entry == nil || entry.Reason != models.ReasonRefundError {
		t.Fatalf("refund reason = %v, want %s", entry, models.ReasonRefundError)
	}
}

func TestProcessSubmitErrorRefunds(t *testing.T) {
	h := newHarness(t)
	h.gen.submitErr = fmt.Errorf("%w: connect refused", backend.ErrConnection)
	task := h.enqueueAndDequeue(t)

	h.worker.process(context.Background(), task)

	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if h.balance(t) != 100 {
		t.Fatalf("balance = %d, want 100", h.balance(t))
	}
}

func TestCancelBeforeGateSkipsBackend(t *testing.T) {
	h := newHarness(t)
	task := h.enqueueAndDequeue(t)

	if _, err := h.queue.Cancel(context.Background(), task.TaskID, h.userID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	h.worker.process(context.Background(), task)

	if h.gen.submitted != 0 {
		t.Fatalf("cancelled task reached the backend %d times", h.gen.submitted)
	}
	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	if h.balance(t) != 100 {
		t.Fatalf("balance = %d, want 100", h.balance(t))
	}
	if len(h.notifier.cancels) != 1 {
		t.Fatalf("cancel notices = %d, want 1", len(h.notifier.cancels))
	}
}

func TestCancelDuringRunDiscardsResult(t *testing.T) {
	h := newHarness(t)
	task := h.enqueueAndDequeue(t)

	// Cancel lands while the backend call is in flight: the flag is set
	// between Submit and the result check.
	h.gen.data = []byte("late-result")
	cancelOnce := sync.OnceFunc(func() {
		if _, err := h.queue.Cancel(context.Background(), task.TaskID, h.userID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	})
	gen := &hookedGenerator{inner: h.gen, onAwait: cancelOnce}
	w := New(h.queue, h.gate, gen, h.ledger, h.notifier, nil, config.Config{
		GateAcquireTimeout: 100 * time.Millisecond,
		GenerationBudget:   time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	w.process(context.Background(), task)

	if len(h.notifier.successes) != 0 {
		t.Fatal("cancelled task result was delivered")
	}
	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
	entry, _ := h.ledger.EntryFor(context.Background(), task.RequestID, "refund")
	if entry == nil || entry.Reason != models.ReasonRefundCancel {
		t.Fatalf("refund entry = %v, want reason %s", entry, models.ReasonRefundCancel)
	}
	if h.balance(t) != 100 {
		t.Fatalf("balance = %d, want 100", h.balance(t))
	}
}

type hookedGenerator struct {
	inner   *fakeGenerator
	onAwait func()
}

func (g *hookedGenerator) Submit(ctx context.Context, kind models.TaskKind, payload models.TaskPayload) (*backend.Job, error) {
	return g.inner.Submit(ctx, kind, payload)
}

func (g *hookedGenerator) AwaitResult(ctx context.Context, job *backend.Job, budget time.Duration) ([]byte, error) {
	g.onAwait()
	return g.inner.AwaitResult(ctx, job, budget)
}

func TestGateTimeoutRequeuesAtFront(t *testing.T) {
	h := newHarness(t)
	task := h.enqueueAndDequeue(t)

	// Hold the only slot so the acquire times out.
	held, err := h.gate.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("hold slot: %v", err)
	}
	defer held.Release()

	h.worker.process(context.Background(), task)

	if h.gen.submitted != 0 {
		t.Fatal("task reached the backend without a slot")
	}
	if got := h.taskStatus(t, task.TaskID); got != models.TaskStatusQueued {
		t.Fatalf("status = %s, want queued after requeue", got)
	}
	if h.queue.Backlog() != 1 {
		t.Fatalf("backlog = %d, want 1", h.queue.Backlog())
	}
	// Still charged: the debit belongs to the queued task, not the attempt.
	if h.balance(t) != 89 {
		t.Fatalf("balance = %d, want 89", h.balance(t))
	}
	if len(h.notifier.failures) != 0 || len(h.notifier.cancels) != 0 {
		t.Fatal("requeue must not notify the user")
	}

	held.Release()
	got, err := h.queue.Dequeue(context.Background())
	if err != nil || got == nil || got.TaskID != task.TaskID {
		t.Fatalf("requeued task not at front: %v %v", got, err)
	}
}
