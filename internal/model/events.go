package model

import "time"

// Bus topics. Dispatch triggers are consumed by a queue-subscriber group so
// settlement never runs the dispatch loop inline on the webhook goroutine.
const (
	TopicDispatch     = "jobs.dispatch"
	TopicJobQueued    = "jobs.queued"
	TopicJobCompleted = "jobs.completed"
	TopicJobFailed    = "jobs.failed"
)

// DispatchTrigger asks the dispatch workers to attempt one admission cycle
// for a model.
type DispatchTrigger struct {
	ModelID string `json:"model_id"`
}

// JobEvent is the lifecycle notification published after enqueue and after
// every terminal settlement.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	ModelID   string    `json:"model_id"`
	Status    JobStatus `json:"status"`
	ResultURL string    `json:"result_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// CallbackStatus is the provider-reported outcome on the webhook.
type CallbackStatus string

const (
	CallbackSucceeded CallbackStatus = "succeeded"
	CallbackFailed    CallbackStatus = "failed"
)

// ProviderCallback is the inbound webhook body. Delivery is at-least-once;
// the settlement path must treat duplicates as routine.
type ProviderCallback struct {
	RequestID string           `json:"request_id"`
	Status    CallbackStatus   `json:"status"`
	Error     string           `json:"error,omitempty"`
	Artifacts []ResultArtifact `json:"artifacts,omitempty"`
}

// Succeeded reports whether the callback is success-like. Anything else is
// settled as a failure.
func (c ProviderCallback) Succeeded() bool {
	return c.Status == CallbackSucceeded
}

// ResultArtifact is one generated output as hosted by the provider.
type ResultArtifact struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

// StoredArtifact is the durable internal copy of a provider artifact.
type StoredArtifact struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
