package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/digkill/TGRenderBot/internal/backend"
	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/gate"
	"github.com/digkill/TGRenderBot/internal/ledger"
	"github.com/digkill/TGRenderBot/internal/models"
	"github.com/digkill/TGRenderBot/internal/queue"
)

const dequeuePollInterval = time.Second

// Generator runs one generation on the backend. Satisfied by backend.Client.
type Generator interface {
	Submit(ctx context.Context, kind models.TaskKind, payload models.TaskPayload) (*backend.Job, error)
	AwaitResult(ctx context.Context, job *backend.Job, budget time.Duration) ([]byte, error)
}

// Notifier delivers outcomes to the requester. Satisfied by the Telegram bot.
type Notifier interface {
	NotifySuccess(ctx context.Context, task *models.Task, data []byte) error
	NotifyFailure(ctx context.Context, task *models.Task, cause error) error
	NotifyCancelled(ctx context.Context, task *models.Task) error
}

// Archiver stores a copy of the result outside the chat. Optional.
type Archiver interface {
	Archive(ctx context.Context, task *models.Task, data []byte) (string, error)
}

// Worker drains the task queue: one task at a time per worker, each run
// bracketed by a gate slot. Several workers may share one queue and one gate.
type Worker struct {
	queue     *queue.Queue
	gate      *gate.Gate
	generator Generator
	ledger    *ledger.Service
	notifier  Notifier
	archiver  Archiver
	log       *slog.Logger
	tracer    trace.Tracer

	gateTimeout time.Duration
	budget      time.Duration
}

func New(q *queue.Queue, g *gate.Gate, gen Generator, ledg *ledger.Service, notifier Notifier, archiver Archiver, cfg config.Config, log *slog.Logger) *Worker {
	return &Worker{
		queue:       q,
		gate:        g,
		generator:   gen,
		ledger:      ledg,
		notifier:    notifier,
		archiver:    archiver,
		log:         log,
		tracer:      otel.Tracer("worker"),
		gateTimeout: cfg.GateAcquireTimeout,
		budget:      cfg.GenerationBudget,
	}
}

// Run polls the queue until ctx is cancelled. Dequeued tasks that cannot start
// are returned to the head of the queue, so shutdown loses nothing durable.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(dequeuePollInterval)
	defer ticker.Stop()

	w.log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	task, err := w.queue.Dequeue(ctx)
	if err != nil {
		w.log.Error("dequeue failed", "err", err)
		return
	}
	if task == nil {
		return
	}
	w.process(ctx, task)
}

func (w *Worker) process(ctx context.Context, task *models.Task) {
	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID),
			attribute.String("kind", string(task.Kind)),
		))
	defer span.End()

	log := w.log.With("task_id", task.TaskID, "user_id", task.UserID, "kind", string(task.Kind))

	// A cancel can land between the user's request and our dequeue.
	if w.queue.IsCancelled(task.TaskID) {
		w.cancelOut(ctx, task, log)
		return
	}

	slot, err := w.gate.Acquire(ctx, w.gateTimeout)
	if err != nil {
		if errors.Is(err, gate.ErrTimedOut) || errors.Is(err, context.Canceled) {
			// Nothing charged beyond the enqueue debit; the task keeps its
			// turn and waits for the next attempt.
			if reqErr := w.queue.RequeueFront(context.WithoutCancel(ctx), task); reqErr != nil {
				log.Error("requeue after gate timeout failed", "err", reqErr)
			} else {
				log.Info("gate busy, task requeued at front")
			}
			return
		}
		log.Error("gate acquire failed", "err", err)
		w.failOut(ctx, task, err, log)
		return
	}
	defer slot.Release()

	// The slot wait can be long; honor a cancel that arrived during it
	// before touching the backend.
	if w.queue.IsCancelled(task.TaskID) {
		w.cancelOut(ctx, task, log)
		return
	}

	job, err := w.generator.Submit(ctx, task.Kind, task.Payload)
	if err != nil {
		w.failOut(ctx, task, err, log)
		return
	}

	data, genErr := w.generator.AwaitResult(ctx, job, w.budget)

	// Cancellation observed after the backend call wins over whatever the
	// backend produced: the result is discarded, never delivered.
	if w.queue.IsCancelled(task.TaskID) {
		log.Info("discarding result of cancelled task", "backend_err", genErr)
		w.cancelOut(ctx, task, log)
		return
	}

	if genErr != nil {
		w.failOut(ctx, task, genErr, log)
		return
	}

	if err := w.queue.Finish(ctx, task, models.TaskStatusSucceeded); err != nil {
		log.Error("finish succeeded task failed", "err", err)
	}

	if w.archiver != nil {
		if url, err := w.archiver.Archive(ctx, task, data); err != nil {
			log.Warn("result archive failed", "err", err)
		} else {
			log.Info("result archived", "url", url)
		}
	}

	if err := w.notifier.NotifySuccess(ctx, task, data); err != nil {
		log.Error("deliver result failed", "err", err)
	}
	log.Info("task succeeded", "bytes", len(data))
}

// failOut records the failure and hands the credits back. The refund reason
// keys the audit trail; all refund reasons share one idempotency class, so a
// retry of any failure path credits at most once.
func (w *Worker) failOut(ctx context.Context, task *models.Task, cause error, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	reason := models.ReasonRefundError
	if errors.Is(cause, backend.ErrTimeout) {
		reason = models.ReasonRefundTimeout
	}
	if _, err := w.ledger.Credit(ctx, task.UserID, task.RequestID, reason, task.Cost); err != nil {
		log.Error("refund failed task", "reason", string(reason), "err", err)
	}
	if err := w.queue.Finish(ctx, task, models.TaskStatusFailed); err != nil {
		log.Error("finish failed task", "err", err)
	}
	if err := w.notifier.NotifyFailure(ctx, task, cause); err != nil {
		log.Error("deliver failure notice", "err", err)
	}
	log.Warn("task failed", "reason", string(reason), "err", cause)
}

func (w *Worker) cancelOut(ctx context.Context, task *models.Task, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if _, err := w.ledger.Credit(ctx, task.UserID, task.RequestID, models.ReasonRefundCancel, task.Cost); err != nil {
		log.Error("refund cancelled task", "err", err)
	}
	if err := w.queue.Finish(ctx, task, models.TaskStatusCancelled); err != nil {
		log.Error("finish cancelled task", "err", err)
	}
	if err := w.notifier.NotifyCancelled(ctx, task); err != nil {
		log.Error("deliver cancel notice", "err", err)
	}
	log.Info("task cancelled")
}
