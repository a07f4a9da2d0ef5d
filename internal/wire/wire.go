// Package wire defines the JSON shapes exchanged with the chat server over
// both the request/response API and the realtime stream.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/courier/internal/store"
)

// Frame types sent by the server on the realtime stream.
const (
	FrameMessageCreated = "message_created"
	FrameMessageUpdated = "message_updated"
	FrameReceipt        = "receipt"
	FrameTyping         = "typing"
)

// Receipt kinds.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Frame is the envelope of every realtime event.
type Frame struct {
	// Type selects how Payload is decoded.
	Type string `json:"type"`
	// Payload is decoded lazily once Type is known.
	Payload json.RawMessage `json:"payload"`
}

// Attachment is the attachment stub carried by send requests and inbound messages.
type Attachment struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	RemoteRef  string `json:"remote_ref"`
}

// Message is a server-side message as seen in sync responses and realtime events.
// Times are unix milliseconds.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"body,omitempty"`
	Type           string       `json:"type"`
	Status         string       `json:"status,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	SentAt         int64        `json:"sent_at"`
	Edited         bool         `json:"edited,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Receipt acknowledges a set of messages as delivered or read.
type Receipt struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
	At         int64    `json:"at,omitempty"`
}

// Typing is an ephemeral typing indicator.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
}

// SendRequest is the body of the send RPC.
type SendRequest struct {
	ClientMessageID string       `json:"client_message_id"`
	Type            string       `json:"type"`
	Body            string       `json:"body,omitempty"`
	ReplyTo         string       `json:"reply_to,omitempty"`
	Attachments     []Attachment `json:"attachments"`
}

// SendResponse is the body of a successful send RPC.
type SendResponse struct {
	SentAt int64 `json:"sent_at"`
}

// SyncResponse is the body of the sync RPC.
type SyncResponse struct {
	Messages []Message `json:"messages"`
	Receipts []Receipt `json:"receipts"`
}

// ErrorResponse is the body the server returns alongside a 4xx/5xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %q has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// NewFrame builds a frame around an encoded payload.
func NewFrame(typ string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: raw}, nil
}

// ToStore converts a wire message into the store representation.
func (m Message) ToStore() *store.Message {
	// An absent type is left empty so the store keeps what it has.
	typ := store.MessageType(m.Type)
	if typ != "" && !typ.Valid() {
		typ = store.TypeText
	}
	return &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Type:           typ,
		Status:         store.Status(m.Status),
		ReplyTo:        m.ReplyTo,
		SentAt:         m.SentAt,
		CreatedAt:      m.SentAt,
		Edited:         m.Edited,
		Deleted:        m.Deleted,
	}
}

// FromStoreAttachment builds the send stub of a stored attachment.
func FromStoreAttachment(a store.Attachment) Attachment {
	return Attachment{
		ID:         a.ID,
		Kind:       string(a.Kind),
		MimeType:   a.MimeType,
		SizeBytes:  a.SizeBytes,
		Width:      a.Width,
		Height:     a.Height,
		DurationMs: a.DurationMs,
		RemoteRef:  a.RemoteRef,
	}
}

// ToStoreAttachment converts an inbound attachment stub for storage.
func (a Attachment) ToStoreAttachment(messageID string) store.Attachment {
	return store.Attachment{
		ID:         a.ID,
		MessageID:  messageID,
		Kind:       store.MessageType(a.Kind),
		MimeType:   a.MimeType,
		SizeBytes:  a.SizeBytes,
		Width:      a.Width,
		Height:     a.Height,
		DurationMs: a.DurationMs,
		RemoteRef:  a.RemoteRef,
	}
}
