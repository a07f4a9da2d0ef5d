package store

// Status is the delivery status of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses along the delivery path. failed sits with sending so
// that any server confirmation outranks it.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSending, StatusFailed:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Acknowledged reports whether the server has accepted the message.
func (s Status) Acknowledged() bool { return s.rank() >= StatusSent.rank() }

// pending reports whether the message is still on its way out (an inbound
// copy of it is an echo of our own send).
func (s Status) pending() bool {
	return s == StatusQueued || s == StatusSending || s == StatusFailed
}

func maxStatus(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	}
	return false
}

// Message is a chat message. ID is generated by the composing client and is
// used as the idempotency key for every send attempt.
// Timestamps are unix milliseconds; SentAt is 0 until the server acknowledges.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Type           MessageType
	Status         Status
	ReplyTo        string
	SentAt         int64
	CreatedAt      int64
	Edited         bool
	Deleted        bool
}

// Attachment is a media item owned by a message. At least one of LocalRef
// and RemoteRef is set.
type Attachment struct {
	ID         string
	MessageID  string
	Kind       MessageType
	MimeType   string
	SizeBytes  int64
	Width      int
	Height     int
	DurationMs int64
	LocalRef   string
	RemoteRef  string
	Thumbnail  []byte
}

// OutboxEntry is a not-yet-acknowledged outgoing message. Seq defines FIFO order.
type OutboxEntry struct {
	Seq            int64
	MessageID      string
	ConversationID string
	Attempts       int
	LastError      string
	NextAttemptAt  int64
	CreatedAt      int64
}

// Change is the payload of message change notifications.
// An empty ConversationID means the change may touch any conversation.
type Change struct {
	ConversationID string
	MessageIDs     []string
}
