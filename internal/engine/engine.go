// Package engine implements the generation queue and credit escrow core:
// admission, dispatch, idempotent settlement and stuck-job recovery. It talks
// to storage through small interfaces so the invariants are testable without
// a database.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"renderq/internal/metrics"
	"renderq/internal/model"
	"renderq/internal/repository"
)

// Ledger is the credit escrow surface the engine drives.
type Ledger interface {
	Reserve(ctx context.Context, userID, jobID string, amount int64) error
	FinalizeSpent(ctx context.Context, userID, jobID string, amount int64) error
	Refund(ctx context.Context, userID, jobID string, amount int64) error
	ReleaseReservation(ctx context.Context, userID, jobID string, amount int64) error
	Grant(ctx context.Context, userID string, amount int64) error
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	ListEvents(ctx context.Context, userID string, limit int) ([]*model.LedgerEvent, error)
}

// Queue is the durable job store.
type Queue interface {
	Enqueue(ctx context.Context, job *model.Job) (int, error)
	NextAdmissible(ctx context.Context, modelID string) (*model.Job, error)
	ClaimForDispatch(ctx context.Context, jobID string) (bool, error)
	RecordSubmission(ctx context.Context, jobID, providerRequestID string) error
	Complete(ctx context.Context, jobID, resultURL, resultID string) (bool, error)
	Fail(ctx context.Context, jobID, errorMessage string) (bool, error)
	CancelQueued(ctx context.Context, jobID, reason string) (bool, error)
	FindByID(ctx context.Context, jobID string) (*model.Job, error)
	FindByProviderRequestID(ctx context.Context, providerRequestID string) (*model.Job, error)
	ListStale(ctx context.Context, olderThan time.Duration) ([]*model.Job, error)
	ListByModel(ctx context.Context, modelID string, limit int) ([]*model.Job, error)
	ListQueuedModels(ctx context.Context) ([]string, error)
	QueuePosition(ctx context.Context, jobID string) (int, error)
	MarkCallbackSeen(ctx context.Context, providerRequestID string) bool
	CallbackSeen(ctx context.Context, providerRequestID string) bool
}

// Limiter is the per-model admission gate.
type Limiter interface {
	IsAdmissible(ctx context.Context, modelID string) (bool, error)
	Acquire(ctx context.Context, modelID string) (bool, error)
	Release(ctx context.Context, modelID string) (bool, error)
	SetLimit(ctx context.Context, modelID string, maxConcurrent int) error
	Get(ctx context.Context, modelID string) (*model.ModelLimit, error)
	Snapshot(ctx context.Context) ([]model.ModelLimit, error)
}

// Provider submits jobs to the external asynchronous generation backend.
type Provider interface {
	Submit(ctx context.Context, job *model.Job, callbackURL string) (string, error)
}

// Archiver re-hosts a provider-hosted artifact durably.
type Archiver interface {
	Archive(ctx context.Context, remoteURL string) (*model.StoredArtifact, error)
}

// Engine wires the queue, escrow, limiter and collaborators together.
type Engine struct {
	queue    Queue
	ledger   Ledger
	limiter  Limiter
	provider Provider
	archiver Archiver
	bus      repository.MessageBus

	callbackURL string
	log         *slog.Logger
	metrics     *metrics.EngineMetrics
}

func New(queue Queue, ledger Ledger, limiter Limiter, provider Provider, archiver Archiver, bus repository.MessageBus, callbackURL string, log *slog.Logger) *Engine {
	return &Engine{
		queue:       queue,
		ledger:      ledger,
		limiter:     limiter,
		provider:    provider,
		archiver:    archiver,
		bus:         bus,
		callbackURL: callbackURL,
		log:         log,
		metrics:     metrics.GetMetrics(),
	}
}

// Enqueue reserves the ticket cost and inserts the job. The reservation comes
// first, so a queued job always corresponds to already-held credits; if the
// insert fails the reservation is rolled back.
func (e *Engine) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}

	job := &model.Job{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		ModelID:    req.ModelID,
		ModelType:  req.ModelType,
		Prompt:     req.Prompt,
		Params:     req.Params,
		TicketCost: req.TicketCost,
		Priority:   req.Priority,
		NoCharge:   req.NoCharge,
	}

	if err := e.ledger.Reserve(ctx, job.UserID, job.ID, job.TicketCost); err != nil {
		e.metrics.EnqueueTotal.WithLabelValues(job.ModelID, "insufficient_credits").Inc()
		return nil, err
	}

	position, err := e.queue.Enqueue(ctx, job)
	if err != nil {
		e.metrics.EnqueueTotal.WithLabelValues(job.ModelID, "error").Inc()
		if refundErr := e.ledger.Refund(ctx, job.UserID, job.ID, job.TicketCost); refundErr != nil {
			e.log.Error("failed to roll back reservation after enqueue error",
				"job_id", job.ID, "user_id", job.UserID, "error", refundErr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	e.metrics.EnqueueTotal.WithLabelValues(job.ModelID, "accepted").Inc()
	e.publishJobEvent(model.TopicJobQueued, job)
	e.triggerDispatch(job.ModelID)

	return &model.EnqueueResult{JobID: job.ID, QueuePosition: position}, nil
}

// GetJob returns one job.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return e.queue.FindByID(ctx, jobID)
}

// GetQueuePosition returns the advisory place in line.
func (e *Engine) GetQueuePosition(ctx context.Context, jobID string) (int, error) {
	return e.queue.QueuePosition(ctx, jobID)
}

// GetAccount returns the caller's credit account.
func (e *Engine) GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	return e.ledger.GetAccount(ctx, userID)
}

// GrantCredits tops up a user's balance. This is the entry point the billing
// collaborator calls after a purchase clears.
func (e *Engine) GrantCredits(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive")
	}
	if err := e.ledger.Grant(ctx, userID, amount); err != nil {
		return err
	}
	e.log.Info("credits granted", "user_id", userID, "amount", amount)
	return nil
}

// ListLedgerEvents returns the most recent audit rows for one user.
func (e *Engine) ListLedgerEvents(ctx context.Context, userID string, limit int) ([]*model.LedgerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.ledger.ListEvents(ctx, userID, limit)
}

// CancelQueued terminates a job that has not dispatched yet and refunds its
// reservation. The limiter is never touched: an undispatched job holds no
// slot. A job already claimed by a dispatcher cannot be cancelled.
func (e *Engine) CancelQueued(ctx context.Context, jobID string) error {
	job, err := e.queue.FindByID(ctx, jobID)
	if err != nil {
		return err
	}

	cancelled, err := e.queue.CancelQueued(ctx, jobID, "cancelled before dispatch")
	if err != nil {
		return err
	}
	if !cancelled {
		return fmt.Errorf("job %s is %s and can no longer be cancelled", jobID, job.Status)
	}

	e.settleEscrowForFailure(ctx, job)
	job.Status = model.StatusFailed
	job.ErrorMessage = "cancelled before dispatch"
	e.publishJobEvent(model.TopicJobFailed, job)
	return nil
}

// settleEscrowForFailure resolves the reservation of a non-successful job:
// refund for user jobs, release-only for no-charge operator jobs.
func (e *Engine) settleEscrowForFailure(ctx context.Context, job *model.Job) {
	var err error
	if job.NoCharge {
		err = e.ledger.ReleaseReservation(ctx, job.UserID, job.ID, job.TicketCost)
	} else {
		err = e.ledger.Refund(ctx, job.UserID, job.ID, job.TicketCost)
	}
	if err != nil {
		e.log.Error("failed to settle escrow for failed job",
			"job_id", job.ID, "user_id", job.UserID, "amount", job.TicketCost, "error", err)
	}
}

// releaseSlot frees the job's concurrency slot, logging a replayed release
// instead of failing the settlement.
func (e *Engine) releaseSlot(ctx context.Context, modelID, jobID string) {
	released, err := e.limiter.Release(ctx, modelID)
	if err != nil {
		e.log.Error("failed to release concurrency slot", "model_id", modelID, "job_id", jobID, "error", err)
		return
	}
	if !released {
		e.log.Warn("release had no slot to free, likely a replay", "model_id", modelID, "job_id", jobID)
	}
}

func (e *Engine) publishJobEvent(topic string, job *model.Job) {
	e.publish(topic, model.JobEvent{
		JobID:     job.ID,
		UserID:    job.UserID,
		ModelID:   job.ModelID,
		Status:    job.Status,
		ResultURL: job.ResultURL,
		Error:     job.ErrorMessage,
		At:        time.Now().UTC(),
	})
}

func (e *Engine) triggerDispatch(modelID string) {
	e.publish(model.TopicDispatch, model.DispatchTrigger{ModelID: modelID})
}

// publish is best-effort: bus trouble is logged, never propagated into the
// settlement or dispatch paths.
func (e *Engine) publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.Error("failed to marshal bus event", "topic", topic, "error", err)
		return
	}
	if err := e.bus.Publish(topic, data); err != nil {
		e.log.Error("failed to publish bus event", "topic", topic, "error", err)
	}
}

func validateEnqueue(req model.EnqueueRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("user_id is required")
	case req.ModelID == "":
		return fmt.Errorf("model_id is required")
	case req.ModelType != model.ModelTypeImage && req.ModelType != model.ModelTypeVideo:
		return fmt.Errorf("model_type must be %q or %q", model.ModelTypeImage, model.ModelTypeVideo)
	case req.Prompt == "":
		return fmt.Errorf("prompt is required")
	case req.TicketCost < 0:
		return fmt.Errorf("ticket_cost must be non-negative")
	}
	return nil
}
