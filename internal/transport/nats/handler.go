package nats

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"renderq/internal/model"
	"renderq/internal/service"
)

// DispatchHandler consumes dispatch triggers and runs the admission cycle.
// QueueSubscribe spreads triggers across the worker group, so with several
// engine replicas each trigger is handled exactly once; the conditional
// updates in the dispatch path make a stray duplicate harmless.
type DispatchHandler struct {
	svc   service.GenerationService
	nc    *nats.Conn
	group string
	sub   *nats.Subscription
}

func NewDispatchHandler(svc service.GenerationService, nc *nats.Conn, group string) *DispatchHandler {
	return &DispatchHandler{svc: svc, nc: nc, group: group}
}

// Start subscribes to dispatch triggers and blocks until ctx is cancelled.
func (h *DispatchHandler) Start(ctx context.Context) error {
	sub, err := h.nc.QueueSubscribe(model.TopicDispatch, h.group, func(m *nats.Msg) {
		var trigger model.DispatchTrigger
		if err := json.Unmarshal(m.Data, &trigger); err != nil {
			slog.Error("dispatch: failed to unmarshal trigger", "error", err)
			return
		}
		if trigger.ModelID == "" {
			return
		}

		if err := h.svc.DispatchNext(ctx, trigger.ModelID); err != nil {
			slog.Error("dispatch: admission cycle failed",
				"model_id", trigger.ModelID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.sub = sub

	slog.Info("dispatch handler is running", "group", h.group)

	<-ctx.Done()
	slog.Info("dispatch handler shutting down, draining subscription...")
	return sub.Drain()
}

func (h *DispatchHandler) Stop(ctx context.Context) error {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	return nil
}
