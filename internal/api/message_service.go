// Package api is the UI-facing facade over the delivery core.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned when composing a message with neither a body
// nor attachments.
var ErrEmptyMessage = errors.New("message has no body and no attachments")

// Notifier wakes the delivery worker.
type Notifier interface {
	Notify()
}

// ReadAcker queues read acknowledgements.
type ReadAcker interface {
	AddRead(id string)
}

// ComposeRequest describes a new outgoing message.
type ComposeRequest struct {
	ConversationID string
	Body           string
	Type           store.MessageType
	ReplyTo        string
	Attachments    []store.Attachment
}

// MessageService implements compose, retry and the reactive views the UI
// renders from.
type MessageService struct {
	db     *store.DB
	bus    *bus.Bus
	worker Notifier
	acks   ReadAcker
	selfID string
	logger *zap.Logger
}

// NewMessageService creates a new message service backed by the store.
func NewMessageService(db *store.DB, b *bus.Bus, worker Notifier, acks ReadAcker, selfID string, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{db: db, bus: b, worker: worker, acks: acks, selfID: selfID, logger: logger}
}

// Compose stores a queued message with its attachments and outbox entry,
// then wakes the worker. The returned message carries the generated id.
func (s *MessageService) Compose(req ComposeRequest) (*store.Message, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("compose: conversation id is required")
	}
	typ := req.Type
	if typ == "" {
		typ = store.TypeText
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("compose: unknown message type %q", typ)
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	m := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       s.selfID,
		Body:           req.Body,
		Type:           typ,
		ReplyTo:        req.ReplyTo,
		CreatedAt:      time.Now().UnixMilli(),
	}
	atts := make([]store.Attachment, len(req.Attachments))
	copy(atts, req.Attachments)
	for i := range atts {
		if atts[i].Kind == "" {
			atts[i].Kind = typ
		}
	}
	if err := s.db.Compose(m, atts); err != nil {
		return nil, err
	}
	s.logger.Debug("message composed",
		zap.String("message_id", m.ID),
		zap.String("conversation_id", m.ConversationID),
		zap.Int("attachments", len(atts)))
	s.notify()
	return m, nil
}

// Retry re-arms a failed or stuck message for delivery.
func (s *MessageService) Retry(id string) error {
	if err := s.db.Requeue(id); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Delete removes a message locally, cancelling its delivery if still queued.
func (s *MessageService) Delete(id string) error {
	return s.db.DeleteMessage(id)
}

// Edit replaces the body of a local message.
func (s *MessageService) Edit(id, body string) error {
	return s.db.MarkEdited(id, body)
}

// MarkSeen records that the user has seen the given messages. Messages from
// other senders are acknowledged as read to the server and marked read
// locally; our own messages and unknown ids are skipped.
func (s *MessageService) MarkSeen(ids []string) error {
	var seen []string
	for _, id := range ids {
		m, err := s.db.GetMessage(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if m.SenderID == s.selfID || m.Status == store.StatusRead {
			continue
		}
		seen = append(seen, id)
	}
	if len(seen) == 0 {
		return nil
	}
	if _, err := s.db.MarkRead(seen); err != nil {
		return err
	}
	if s.acks != nil {
		for _, id := range seen {
			s.acks.AddRead(id)
		}
	}
	return nil
}

// StreamByConversation emits the messages of a conversation ordered by
// creation time: a snapshot right away, then a fresh snapshot after every
// change to the conversation. A slow reader only sees the latest snapshot.
// The channel closes when ctx ends.
func (s *MessageService) StreamByConversation(ctx context.Context, conversationID string) (<-chan []store.Message, error) {
	ch, unsub := s.bus.Subscribe("message.", 64)
	snapshot, err := s.db.ListByConversation(conversationID)
	if err != nil {
		unsub()
		return nil, err
	}

	out := make(chan []store.Message, 1)
	out <- snapshot
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind != bus.KindMessageChanged {
					continue
				}
				if change, ok := evt.Payload.(store.Change); ok && change.ConversationID != "" && change.ConversationID != conversationID {
					continue
				}
				msgs, err := s.db.ListByConversation(conversationID)
				if err != nil {
					s.logger.Warn("stream re-query failed", zap.String("conversation_id", conversationID), zap.Error(err))
					continue
				}
				sendLatest(out, msgs)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchPending emits the number of outbox entries now and whenever it changes.
func (s *MessageService) WatchPending(ctx context.Context) (<-chan int, error) {
	ch, unsub := s.bus.Subscribe("outbox.", 64)
	count, err := s.db.PendingCount()
	if err != nil {
		unsub()
		return nil, err
	}

	out := make(chan int, 1)
	out <- count
	go func() {
		defer close(out)
		defer unsub()
		last := count
		for {
			select {
			case <-ch:
				n, err := s.db.PendingCount()
				if err != nil {
					s.logger.Warn("pending count failed", zap.Error(err))
					continue
				}
				if n == last {
					continue
				}
				last = n
				sendLatest(out, n)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PendingCount returns the current number of outbox entries.
func (s *MessageService) PendingCount() (int, error) {
	return s.db.PendingCount()
}

func (s *MessageService) notify() {
	if s.worker != nil {
		s.worker.Notify()
	}
}

// sendLatest replaces an unread value in out with v. out must have a buffer
// of one and a single writer.
func sendLatest[T any](out chan T, v T) {
	select {
	case out <- v:
	default:
		select {
		case <-out:
		default:
		}
		out <- v
	}
}
