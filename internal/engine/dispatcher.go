package engine

import (
	"context"
	"time"

	"renderq/internal/model"
)

// DispatchNext runs one admission cycle for a model: take a slot, claim the
// next queued job, submit it to the provider. Safe to invoke concurrently —
// the slot acquire and the queued->processing claim are both atomic
// conditional updates, so racing invocations cannot over-admit or
// double-submit.
//
// A synchronous submission failure drives the job to failed through the same
// path as a provider-reported failure (refund, release, trigger next) and the
// cycle moves on to the next queued job rather than stranding anything in
// processing.
func (e *Engine) DispatchNext(ctx context.Context, modelID string) error {
	for {
		acquired, err := e.limiter.Acquire(ctx, modelID)
		if err != nil {
			return err
		}
		if !acquired {
			e.metrics.DispatchTotal.WithLabelValues(modelID, "at_capacity").Inc()
			return nil
		}

		job, err := e.queue.NextAdmissible(ctx, modelID)
		if err != nil {
			e.releaseSlot(ctx, modelID, "")
			return err
		}
		if job == nil {
			e.metrics.DispatchTotal.WithLabelValues(modelID, "queue_empty").Inc()
			e.releaseSlot(ctx, modelID, "")
			return nil
		}

		claimed, err := e.queue.ClaimForDispatch(ctx, job.ID)
		if err != nil {
			e.releaseSlot(ctx, modelID, job.ID)
			return err
		}
		if !claimed {
			// Another dispatcher got there first; free the slot and try the
			// next queued job.
			e.releaseSlot(ctx, modelID, job.ID)
			continue
		}

		start := time.Now()
		token, err := e.provider.Submit(ctx, job, e.callbackURL)
		e.metrics.SubmitDuration.WithLabelValues(modelID).Observe(time.Since(start).Seconds())
		if err != nil {
			e.log.Warn("provider rejected submission",
				"job_id", job.ID, "model_id", modelID, "error", err)
			e.metrics.DispatchTotal.WithLabelValues(modelID, "submit_failed").Inc()
			e.failProcessing(ctx, job, "provider submission failed: "+err.Error())
			continue
		}

		if err := e.queue.RecordSubmission(ctx, job.ID, token); err != nil {
			// The provider accepted the job but we lost the correlation
			// token, so its webhook cannot be matched. The sweeper will
			// resolve the job once it goes stale.
			e.log.Error("failed to persist provider request id",
				"job_id", job.ID, "model_id", modelID, "token", token, "error", err)
		}

		e.metrics.DispatchTotal.WithLabelValues(modelID, "submitted").Inc()
		e.log.Info("job dispatched",
			"job_id", job.ID, "model_id", modelID, "provider_request_id", token)
		return nil
	}
}

// failProcessing drives a processing job to failed and unwinds everything it
// holds: the escrowed credits, the concurrency slot, and the queue head. The
// conditional transition is the idempotency gate — only the caller that wins
// it performs the unwind.
func (e *Engine) failProcessing(ctx context.Context, job *model.Job, reason string) bool {
	failed, err := e.queue.Fail(ctx, job.ID, reason)
	if err != nil {
		e.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return false
	}
	if !failed {
		return false
	}

	e.settleEscrowForFailure(ctx, job)
	e.releaseSlot(ctx, job.ModelID, job.ID)

	job.Status = model.StatusFailed
	job.ErrorMessage = reason
	e.publishJobEvent(model.TopicJobFailed, job)
	e.triggerDispatch(job.ModelID)
	return true
}
