package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/repository"
)

var (
	// ErrDuplicateActive rejects a second task while one is queued or running.
	ErrDuplicateActive = errors.New("queue: user already has an active task")
	// ErrInsufficientBalance rejects enqueue when the debit is refused.
	ErrInsufficientBalance = errors.New("queue: insufficient balance")
	// ErrQueueFull rejects enqueue when the global backlog bound is reached.
	ErrQueueFull = errors.New("queue: backlog full")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("queue: task not found")
	// ErrNotOwner is returned when a user cancels someone else's task.
	ErrNotOwner = errors.New("queue: task belongs to another user")
	// ErrAlreadyTerminal is returned when cancelling a finished task.
	ErrAlreadyTerminal = errors.New("queue: task already terminal")
)

// CancelOutcome tells the caller what a cancel request actually did.
type CancelOutcome int

const (
	// CancelledImmediately: task was still queued; it is now terminal and the
	// refund has been applied.
	CancelledImmediately CancelOutcome = iota
	// CancelRequested: task is running; the worker will observe the flag,
	// discard any late result and issue the refund.
	CancelRequested
)

// Queue is the shared admission-controlled task queue. Pending order and task
// records are durable; the FIFO list, the per-user exclusivity index and the
// cancellation flags live in memory, rebuilt by Load on startup.
//
// All mutating operations run under one mutex: enqueue's debit, the FIFO
// append and the exclusivity check commit as a single critical section.
type Queue struct {
	tasks  *repository.TaskRepository
	ledger *ledger.Service
	log    *slog.Logger
	max    int

	mu        sync.Mutex
	pending   []*models.Task
	byID      map[string]*models.Task // non-terminal tasks only
	active    map[int64]string        // user id -> active task id
	cancelled map[string]bool
}

func New(tasks *repository.TaskRepository, ledg *ledger.Service, log *slog.Logger, maxQueueSize int) *Queue {
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}
	return &Queue{
		tasks:     tasks,
		ledger:    ledg,
		log:       log,
		max:       maxQueueSize,
		byID:      make(map[string]*models.Task),
		active:    make(map[int64]string),
		cancelled: make(map[string]bool),
	}
}

// Load rebuilds in-memory state from the durable task records. Pending tasks
// come back in enqueue order so a restart preserves FIFO.
func (q *Queue) Load(ctx context.Context) error {
	queued, err := q.tasks.ListByStatus(ctx, models.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("load queued tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	for _, t := range queued {
		q.pending = append(q.pending, t)
		q.byID[t.TaskID] = t
		q.active[t.UserID] = t.TaskID
	}
	q.log.Info("task queue loaded", "pending", len(q.pending))
	return nil
}

// ReconcileRunning refunds and fails tasks left running by a previous process.
// Cancellation flags and worker ownership are in-memory, so after a restart a
// running task has no owner and its result can never be delivered.
func (q *Queue) ReconcileRunning(ctx context.Context) (int, error) {
	orphans, err := q.tasks.ListByStatus(ctx, models.TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	for _, t := range orphans {
		if _, err := q.ledger.Credit(ctx, t.UserID, t.RequestID, models.ReasonRefundError, t.Cost); err != nil {
			return 0, fmt.Errorf("refund orphan task %s: %w", t.TaskID, err)
		}
		now := time.Now().UTC()
		if err := q.tasks.UpdateStatus(ctx, t.TaskID, models.TaskStatusFailed, &now); err != nil {
			return 0, fmt.Errorf("fail orphan task %s: %w", t.TaskID, err)
		}
		q.log.Warn("reconciled orphaned running task", "task_id", t.TaskID, "user_id", t.UserID)
	}
	return len(orphans), nil
}

// Enqueue admits a new task: exclusivity check, backlog bound, debit, then the
// durable insert and the FIFO append. A refused debit leaves no trace. The
// returned position is the number of tasks ahead (observability only).
func (q *Queue) Enqueue(ctx context.Context, userID, chatID int64, kind models.TaskKind, payload models.TaskPayload, cost int) (*models.Task, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, busy := q.active[userID]; busy {
		return nil, 0, ErrDuplicateActive
	}
	if len(q.pending) >= q.max {
		return nil, 0, ErrQueueFull
	}

	task := &models.Task{
		TaskID:    uuid.NewString(),
		UserID:    userID,
		ChatID:    chatID,
		Kind:      kind,
		Payload:   payload,
		Cost:      cost,
		RequestID: uuid.NewString(),
		Status:    models.TaskStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	res, err := q.ledger.Debit(ctx, userID, task.RequestID, cost)
	if err != nil {
		return nil, 0, fmt.Errorf("debit for task: %w", err)
	}
	if res == ledger.InsufficientBalance {
		return nil, 0, ErrInsufficientBalance
	}

	if err := q.tasks.Insert(ctx, task); err != nil {
		// The debit already committed; hand the credits back on the error
		// class so the user is not charged for a task that never existed.
		if _, refundErr := q.ledger.Credit(ctx, userID, task.RequestID, models.ReasonRefundError, cost); refundErr != nil {
			q.log.Error("refund after failed insert", "task_id", task.TaskID, "err", refundErr)
		}
		return nil, 0, fmt.Errorf("persist task: %w", err)
	}

	position := len(q.pending)
	q.pending = append(q.pending, task)
	q.byID[task.TaskID] = task
	q.active[userID] = task.TaskID

	q.log.Info("task enqueued",
		"task_id", task.TaskID, "user_id", userID, "kind", string(kind), "cost", cost, "position", position)
	return task, position, nil
}

// Dequeue pops the head of the FIFO and marks it running. Returns nil when
// the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]

	task.Status = models.TaskStatusRunning
	if err := q.tasks.UpdateStatus(ctx, task.TaskID, models.TaskStatusRunning, nil); err != nil {
		// Put it back; the worker will retry on the next tick.
		task.Status = models.TaskStatusQueued
		q.pending = append([]*models.Task{task}, q.pending...)
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	return task, nil
}

// RequeueFront returns a dequeued task to the head of the FIFO, keeping its
// original position. Used when the gate acquisition times out under backlog.
func (q *Queue) RequeueFront(ctx context.Context, task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Status = models.TaskStatusQueued
	if err := q.tasks.UpdateStatus(ctx, task.TaskID, models.TaskStatusQueued, nil); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	q.pending = append([]*models.Task{task}, q.pending...)
	return nil
}

// Cancel handles a user cancel request per the cooperative model: a queued
// task terminates and refunds immediately, a running task only gets its flag
// set for the worker to observe.
func (q *Queue) Cancel(ctx context.Context, taskID string, userID int64) (CancelOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.byID[taskID]
	if !ok {
		// Might be terminal already, or unknown.
		stored, err := q.tasks.FindByTaskID(ctx, taskID)
		if err != nil {
			return 0, err
		}
		if stored == nil {
			return 0, ErrNotFound
		}
		if stored.UserID != userID {
			return 0, ErrNotOwner
		}
		return 0, ErrAlreadyTerminal
	}
	if task.UserID != userID {
		return 0, ErrNotOwner
	}

	if task.Status == models.TaskStatusQueued {
		for i, p := range q.pending {
			if p.TaskID == taskID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		if err := q.finishLocked(ctx, task, models.TaskStatusCancelled); err != nil {
			return 0, err
		}
		if _, err := q.ledger.Credit(ctx, task.UserID, task.RequestID, models.ReasonRefundCancel, task.Cost); err != nil {
			return 0, fmt.Errorf("refund cancelled task: %w", err)
		}
		q.log.Info("queued task cancelled", "task_id", taskID, "user_id", userID)
		return CancelledImmediately, nil
	}

	// Running: cooperative. The backend job may keep going; the worker
	// discards the result and refunds once it sees the flag.
	q.cancelled[taskID] = true
	q.log.Info("cancellation requested for running task", "task_id", taskID, "user_id", userID)
	return CancelRequested, nil
}

// IsCancelled reports the cooperative cancellation flag.
func (q *Queue) IsCancelled(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[taskID]
}

// Finish records a terminal status and drops the task from active tracking.
// Terminal states never revert; finishing an already-terminal task is a bug.
func (q *Queue) Finish(ctx context.Context, task *models.Task, status models.TaskStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finishLocked(ctx, task, status)
}

func (q *Queue) finishLocked(ctx context.Context, task *models.Task, status models.TaskStatus) error {
	now := time.Now().UTC()
	if err := q.tasks.UpdateStatus(ctx, task.TaskID, status, &now); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	task.Status = status
	task.DoneAt = &now
	delete(q.byID, task.TaskID)
	delete(q.cancelled, task.TaskID)
	if q.active[task.UserID] == task.TaskID {
		delete(q.active, task.UserID)
	}
	return nil
}

// Status returns the task as the requester sees it.
func (q *Queue) Status(ctx context.Context, taskID string) (*models.Task, error) {
	q.mu.Lock()
	if task, ok := q.byID[taskID]; ok {
		copied := *task
		q.mu.Unlock()
		return &copied, nil
	}
	q.mu.Unlock()

	stored, err := q.tasks.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, ErrNotFound
	}
	return stored, nil
}

// Backlog returns the number of pending tasks.
func (q *Queue) Backlog() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Position returns how many tasks sit ahead of taskID, or -1 if it is not
// pending.
func (q *Queue) Position(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if t.TaskID == taskID {
			return i
		}
	}
	return -1
}
