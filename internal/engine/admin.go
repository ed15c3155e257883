package engine

import (
	"context"

	"renderq/internal/model"
)

// ModelState is the admin view of one model: its limit, slot usage, whether
// it would admit another job right now, and the most recent jobs.
type ModelState struct {
	Limit      model.ModelLimit `json:"limit"`
	Admissible bool             `json:"admissible"`
	Jobs       []*model.Job     `json:"jobs"`
}

// SetModelLimit configures max_concurrent for a model; 0 means unlimited. A
// reduction below current_active is allowed — active jobs finish out and the
// model simply admits nothing until usage drops under the new cap.
func (e *Engine) SetModelLimit(ctx context.Context, modelID string, maxConcurrent int) error {
	if err := e.limiter.SetLimit(ctx, modelID, maxConcurrent); err != nil {
		return err
	}
	e.log.Info("model limit updated", "model_id", modelID, "max_concurrent", maxConcurrent)
	// A raised cap may unblock queued work immediately.
	e.triggerDispatch(modelID)
	return nil
}

// GetModelState returns the admin snapshot for one model.
func (e *Engine) GetModelState(ctx context.Context, modelID string, jobLimit int) (*ModelState, error) {
	lim, err := e.limiter.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	admissible, err := e.limiter.IsAdmissible(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if jobLimit <= 0 {
		jobLimit = 50
	}
	jobs, err := e.queue.ListByModel(ctx, modelID, jobLimit)
	if err != nil {
		return nil, err
	}
	return &ModelState{Limit: *lim, Admissible: admissible, Jobs: jobs}, nil
}

// ListLimits returns every configured model limit.
func (e *Engine) ListLimits(ctx context.Context) ([]model.ModelLimit, error) {
	return e.limiter.Snapshot(ctx)
}
