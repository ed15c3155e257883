package model

import (
	"encoding/json"
	"time"
)

// ModelType distinguishes the two generation families we broker.
type ModelType string

const (
	ModelTypeImage ModelType = "image"
	ModelTypeVideo ModelType = "video"
)

// JobStatus enumerates the generation job lifecycle states.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// transitions is the closed set of legal status edges. There is deliberately
// no edge back to queued: a retry is a fresh job, not a state reversal.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status edge. The
// repositories enforce the same table at the row level through status-guarded
// UPDATEs; callers use this to reject an illegal edge before touching the
// store.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one generation request from enqueue to settlement.
// Rows are never deleted; the table is the audit trail.
type Job struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	ModelID           string          `json:"model_id"`
	ModelType         ModelType       `json:"model_type"`
	Prompt            string          `json:"prompt"`
	Params            json.RawMessage `json:"params,omitempty"`
	TicketCost        int64           `json:"ticket_cost"`
	Priority          int             `json:"priority"`
	NoCharge          bool            `json:"no_charge,omitempty"`
	Status            JobStatus       `json:"status"`
	QueuedAt          time.Time       `json:"queued_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ProviderRequestID string          `json:"provider_request_id,omitempty"`
	ResultURL         string          `json:"result_url,omitempty"`
	ResultID          string          `json:"result_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// EnqueueRequest is the payload accepted by POST /generations. NoCharge is
// set by operator-triggered submissions whose reservation must be released
// at settlement instead of billed.
type EnqueueRequest struct {
	UserID     string          `json:"user_id"`
	ModelID    string          `json:"model_id"`
	ModelType  ModelType       `json:"model_type"`
	Prompt     string          `json:"prompt"`
	Params     json.RawMessage `json:"params,omitempty"`
	TicketCost int64           `json:"ticket_cost"`
	Priority   int             `json:"priority"`
	NoCharge   bool            `json:"no_charge,omitempty"`
}

// EnqueueResult is returned to the caller after a successful enqueue.
type EnqueueResult struct {
	JobID         string `json:"job_id"`
	QueuePosition int    `json:"queue_position"`
}
