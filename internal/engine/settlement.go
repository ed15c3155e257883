package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"renderq/internal/model"
	"renderq/internal/repository"
)

// HandleCallback settles one provider notification. It never returns an
// error the transport would surface to the provider: the webhook is always
// acknowledged, because the provider retries forever on a non-ack and our
// real backstop for an unprocessed notification is the recovery sweeper.
//
// Duplicate delivery is routine. The cheap Redis first-seen marker drops most
// replays; the authoritative idempotency gate is the conditional
// processing->terminal transition in the queue store, which only one
// settlement attempt can win.
func (e *Engine) HandleCallback(ctx context.Context, cb model.ProviderCallback) {
	if cb.RequestID == "" {
		e.log.Warn("callback without request id, dropping")
		return
	}

	if e.queue.CallbackSeen(ctx, cb.RequestID) {
		e.metrics.SettlementTotal.WithLabelValues("unknown", "duplicate").Inc()
		e.log.Info("duplicate callback, dropped by settled marker", "request_id", cb.RequestID)
		return
	}

	job, err := e.queue.FindByProviderRequestID(ctx, cb.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			e.metrics.SettlementTotal.WithLabelValues("unknown", "unknown_token").Inc()
			e.log.Warn("callback for unknown request id, dropping", "request_id", cb.RequestID)
		} else {
			e.log.Error("failed to look up callback job", "request_id", cb.RequestID, "error", err)
		}
		return
	}

	if job.Status.Terminal() {
		e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "duplicate").Inc()
		e.log.Info("duplicate callback, already settled",
			"job_id", job.ID, "request_id", cb.RequestID, "status", job.Status)
		return
	}

	if !cb.Succeeded() {
		reason := cb.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		if e.failProcessing(ctx, job, reason) {
			e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "failed").Inc()
			e.queue.MarkCallbackSeen(ctx, cb.RequestID)
		} else {
			e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "duplicate").Inc()
		}
		return
	}

	e.settleSuccess(ctx, job, cb)
}

func (e *Engine) settleSuccess(ctx context.Context, job *model.Job, cb model.ProviderCallback) {
	if len(cb.Artifacts) == 0 {
		// Success-shaped callback with nothing usable in it.
		if e.failProcessing(ctx, job, "provider returned no artifacts") {
			e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "failed").Inc()
			e.queue.MarkCallbackSeen(ctx, cb.RequestID)
		}
		return
	}

	stored := e.archiveArtifacts(ctx, job, cb.Artifacts)
	if len(stored) == 0 {
		if e.failProcessing(ctx, job, "all artifact downloads failed") {
			e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "failed").Inc()
			e.queue.MarkCallbackSeen(ctx, cb.RequestID)
		}
		return
	}

	// The first stored artifact is the primary: its reference lands on the
	// job row and carries the charge in the audit display. The cost itself is
	// per-job, never per-artifact.
	primary := stored[0]
	completed, err := e.queue.Complete(ctx, job.ID, primary.URL, primary.ID)
	if err != nil {
		e.log.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		return
	}
	if !completed {
		e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "duplicate").Inc()
		e.log.Info("lost settlement race, job already terminal", "job_id", job.ID)
		return
	}

	if job.NoCharge {
		if err := e.ledger.ReleaseReservation(ctx, job.UserID, job.ID, job.TicketCost); err != nil {
			e.log.Error("failed to release no-charge reservation",
				"job_id", job.ID, "user_id", job.UserID, "error", err)
		}
	} else {
		if err := e.ledger.FinalizeSpent(ctx, job.UserID, job.ID, job.TicketCost); err != nil {
			e.log.Error("failed to finalize spent credits",
				"job_id", job.ID, "user_id", job.UserID, "amount", job.TicketCost, "error", err)
		}
	}

	e.releaseSlot(ctx, job.ModelID, job.ID)
	e.queue.MarkCallbackSeen(ctx, cb.RequestID)

	e.metrics.SettlementTotal.WithLabelValues(job.ModelID, "completed").Inc()
	e.log.Info("job completed",
		"job_id", job.ID, "model_id", job.ModelID, "artifacts", len(stored), "result_url", primary.URL)

	job.Status = model.StatusCompleted
	job.ResultURL = primary.URL
	job.ResultID = primary.ID
	e.publishJobEvent(model.TopicJobCompleted, job)
	e.triggerDispatch(job.ModelID)
}

// archiveArtifacts re-hosts every artifact the provider produced, keeping the
// ones that survive. Partial loss is tolerated; total loss settles the job as
// failed.
func (e *Engine) archiveArtifacts(ctx context.Context, job *model.Job, artifacts []model.ResultArtifact) []*model.StoredArtifact {
	var stored []*model.StoredArtifact
	for _, artifact := range artifacts {
		start := time.Now()
		s, err := e.archiver.Archive(ctx, artifact.URL)
		e.metrics.ArchiveDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			e.log.Warn("failed to archive artifact",
				"job_id", job.ID, "url", artifact.URL, "error", err)
			continue
		}
		stored = append(stored, s)
	}
	return stored
}

// ForceFail is the administrative kill switch for one job. Queued jobs take
// the cancel path (no slot was ever held); processing jobs take the same
// unwind as a provider failure.
func (e *Engine) ForceFail(ctx context.Context, jobID, reason string) error {
	job, err := e.queue.FindByID(ctx, jobID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "force-failed by operator"
	}
	if !model.CanTransition(job.Status, model.StatusFailed) {
		return fmt.Errorf("job %s is already %s", jobID, job.Status)
	}

	if job.Status == model.StatusQueued {
		cancelled, err := e.queue.CancelQueued(ctx, jobID, reason)
		if err != nil {
			return err
		}
		if !cancelled {
			return fmt.Errorf("job %s changed state during force-fail", jobID)
		}
		e.settleEscrowForFailure(ctx, job)
		job.Status = model.StatusFailed
		job.ErrorMessage = reason
		e.publishJobEvent(model.TopicJobFailed, job)
		return nil
	}

	if !e.failProcessing(ctx, job, reason) {
		return fmt.Errorf("job %s changed state during force-fail", jobID)
	}
	return nil
}
