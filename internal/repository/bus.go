package repository

// MessageBus publishes engine events (job lifecycle, dispatch triggers).
// Publishing is best-effort: settlement and dispatch never block on it.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
