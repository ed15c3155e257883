package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"renderq/internal/repository"
)

// GrantCredits is called by the billing collaborator after a purchase clears.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.UserID == "" || req.Amount <= 0 {
		h.respondError(w, http.StatusBadRequest, "user_id and a positive amount are required")
		return
	}

	if err := h.svc.GrantCredits(r.Context(), req.UserID, req.Amount); err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (h *Handler) ListLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.svc.ListLimits(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, limits)
}

func (h *Handler) GetModelState(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	state, err := h.svc.GetModelState(r.Context(), r.PathValue("model"), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, state)
}

func (h *Handler) SetModelLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxConcurrent int `json:"max_concurrent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.MaxConcurrent < 0 {
		h.respondError(w, http.StatusBadRequest, "max_concurrent must be non-negative")
		return
	}

	if err := h.svc.SetModelLimit(r.Context(), r.PathValue("model"), req.MaxConcurrent); err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) ForceFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional for force-fail.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.svc.ForceFail(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			h.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	olderThan := 30 * time.Minute
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.respondError(w, http.StatusBadRequest, "invalid older_than duration")
			return
		}
		olderThan = d
	}

	swept, err := h.svc.SweepStale(r.Context(), olderThan)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"swept": swept})
}
