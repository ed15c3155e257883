package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"renderq/internal/model"
)

// ProviderCallback receives the provider's completion/failure notification.
// It always acknowledges with 200: the provider retries indefinitely on a
// non-ack, and an internal failure here is resolved by the recovery sweeper,
// not by a retry storm. Even an unparseable body is acked — retrying it
// would deliver the same garbage again.
func (h *Handler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	var cb model.ProviderCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		slog.Warn("webhook: unparseable callback body, dropping", "error", err)
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		return
	}

	h.svc.HandleCallback(r.Context(), cb)
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
