package engine

import (
	"context"
	"fmt"
	"time"
)

// SweepStale force-fails every processing job whose dispatch is older than
// the threshold. A lost webhook would otherwise leak the job's concurrency
// slot and escrowed credits forever; this sweep is the backstop for that
// failure mode. Returns the number of jobs resolved.
func (e *Engine) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	e.metrics.SweepTotal.Inc()

	stale, err := e.queue.ListStale(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0
	for _, job := range stale {
		reason := fmt.Sprintf("timed out after %s in processing", olderThan)
		if e.failProcessing(ctx, job, reason) {
			swept++
			e.metrics.SweptJobsTotal.Inc()
			e.log.Warn("swept stale job",
				"job_id", job.ID, "model_id", job.ModelID, "started_at", job.StartedAt)
		}
	}

	if swept > 0 {
		e.log.Info("recovery sweep finished", "candidates", len(stale), "swept", swept)
	}

	// Dispatch triggers ride the bus best-effort; if one was lost while
	// capacity was free, the queued job waits for the next event on its
	// model. Nudging every model with a backlog restores liveness — the
	// dispatch cycle no-ops when the model is at capacity.
	models, err := e.queue.ListQueuedModels(ctx)
	if err != nil {
		e.log.Error("failed to list models with queued jobs", "error", err)
		return swept, nil
	}
	for _, modelID := range models {
		e.triggerDispatch(modelID)
	}
	return swept, nil
}
