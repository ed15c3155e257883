package service

import (
	"context"
	"time"

	"renderq/internal/engine"
	"renderq/internal/model"
)

// GenerationService is the engine surface the transport layers depend on.
// HTTP handlers and NATS workers use this interface, not the concrete engine.
type GenerationService interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.EnqueueResult, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetQueuePosition(ctx context.Context, jobID string) (int, error)
	CancelQueued(ctx context.Context, jobID string) error
	GetAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	GrantCredits(ctx context.Context, userID string, amount int64) error
	ListLedgerEvents(ctx context.Context, userID string, limit int) ([]*model.LedgerEvent, error)

	DispatchNext(ctx context.Context, modelID string) error
	HandleCallback(ctx context.Context, cb model.ProviderCallback)
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)

	SetModelLimit(ctx context.Context, modelID string, maxConcurrent int) error
	GetModelState(ctx context.Context, modelID string, jobLimit int) (*engine.ModelState, error)
	ListLimits(ctx context.Context) ([]model.ModelLimit, error)
	ForceFail(ctx context.Context, jobID, reason string) error
}
