package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix ("outbox.", "sync.", "network.").
const (
	KindEnqueued     = "outbox.enqueued"
	KindDelivered    = "outbox.delivered"
	KindFailed       = "outbox.failed"
	KindPendingCount = "outbox.pending_count"
	KindStateChanged = "sync.state_changed"
	KindNetwork      = "network.changed"
	KindJobRun       = "scheduler.job_run"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
