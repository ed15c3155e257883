package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"renderq/internal/model"
	"renderq/internal/repository"
	"renderq/internal/service"
)

type Handler struct {
	svc service.GenerationService
}

func NewHandler(svc service.GenerationService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("POST /generations", h.Enqueue)
	mux.HandleFunc("GET /generations/{id}", h.GetJob)
	mux.HandleFunc("GET /generations/{id}/position", h.GetPosition)
	mux.HandleFunc("POST /generations/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /balance", h.GetBalance)
	mux.HandleFunc("GET /balance/events", h.GetLedgerEvents)

	mux.HandleFunc("POST /webhooks/provider", h.ProviderCallback)

	mux.HandleFunc("POST /admin/credits/grant", h.GrantCredits)
	mux.HandleFunc("GET /admin/limits", h.ListLimits)
	mux.HandleFunc("GET /admin/models/{model}/queue", h.GetModelState)
	mux.HandleFunc("PUT /admin/models/{model}/limit", h.SetModelLimit)
	mux.HandleFunc("POST /admin/generations/{id}/fail", h.ForceFail)
	mux.HandleFunc("POST /admin/sweep", h.Sweep)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	res, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientCredits):
			h.respondError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, repository.ErrAccountNotFound):
			h.respondError(w, http.StatusNotFound, err.Error())
		default:
			h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}
	h.respondJSON(w, http.StatusAccepted, res)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondJobError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	position, err := h.svc.GetQueuePosition(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondJobError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"position": position})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CancelQueued(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			h.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		h.respondError(w, http.StatusConflict, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_user_id")
		return
	}

	acc, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			h.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetLedgerEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.respondError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := h.svc.ListLedgerEvents(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, events)
}

func (h *Handler) respondJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	h.respondError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
