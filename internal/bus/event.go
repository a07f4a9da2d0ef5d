package bus

import "time"

// Event kinds published by courier components. Subscribers filter by prefix,
// so the part before the dot is the namespace.
const (
	KindMessageChanged  = "message.changed"
	KindMessageSendAck  = "message.send_ack"
	KindMessageSendFail = "message.send_failed"
	KindOutboxChanged   = "outbox.changed"
	KindConnection      = "connection.state_changed"
	KindTyping          = "typing.updated"
	KindSyncCompleted   = "sync.completed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
