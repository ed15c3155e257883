package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"renderq/internal/service"
)

// SweeperWorker runs the recovery sweep on a schedule. A provider webhook can
// be lost outright, and without the sweep a lost job leaks one concurrency
// slot and its escrowed credits forever.
type SweeperWorker struct {
	svc       service.GenerationService
	interval  time.Duration
	threshold time.Duration
	scheduler *cron.Cron
}

func NewSweeperWorker(svc service.GenerationService, interval, threshold time.Duration) *SweeperWorker {
	return &SweeperWorker{
		svc:       svc,
		interval:  interval,
		threshold: threshold,
	}
}

// Start schedules the sweep and blocks until ctx is cancelled.
func (w *SweeperWorker) Start(ctx context.Context) error {
	w.scheduler = cron.New()

	spec := fmt.Sprintf("@every %s", w.interval)
	_, err := w.scheduler.AddFunc(spec, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		swept, err := w.svc.SweepStale(sweepCtx, w.threshold)
		if err != nil {
			slog.Error("sweeper: recovery sweep failed", "error", err)
			return
		}
		if swept > 0 {
			slog.Warn("sweeper: resolved stale jobs", "swept", swept, "threshold", w.threshold)
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper: failed to schedule sweep: %w", err)
	}

	w.scheduler.Start()
	slog.Info("recovery sweeper is running", "interval", w.interval, "threshold", w.threshold)

	<-ctx.Done()

	slog.Info("sweeper received shutdown signal, waiting for running sweep...")
	stopCtx := w.scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("sweeper stopped before running sweep finished")
	}
	return nil
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *SweeperWorker) Stop(ctx context.Context) error {
	return nil
}
