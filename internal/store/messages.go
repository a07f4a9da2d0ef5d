package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, body, message_type, status, reply_to, sent_at, created_at, edited, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m       Message
		body    sql.NullString
		replyTo sql.NullString
		sentAt  sql.NullInt64
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &body, &m.Type, &m.Status, &replyTo, &sentAt, &m.CreatedAt, &m.Edited, &m.Deleted); err != nil {
		return nil, err
	}
	m.Body = body.String
	m.ReplyTo = replyTo.String
	m.SentAt = sentAt.Int64
	return &m, nil
}

func insertMessage(tx *sql.Tx, m *Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
	_, err := tx.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, nullString(m.Body), m.Type, m.Status,
		nullString(m.ReplyTo), nullInt(m.SentAt), m.CreatedAt, m.Edited, m.Deleted)
	return err
}

// InsertMessage stores a new message. It fails if the id already exists.
func (db *DB) InsertMessage(m *Message) error {
	if err := db.withTx(func(tx *sql.Tx) error {
		return insertMessage(tx, m)
	}); err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	db.notifyMessages(m.ConversationID, m.ID)
	return nil
}

// UpsertMessage merges a server-originated copy of a message into the store.
//
// A row still on its way out (queued, sending or failed) is an echo of our own
// send: it takes the server fields, becomes at least sent and leaves the
// outbox. Otherwise the content fields are refreshed and the status only ever
// moves forward. Empty inbound type and reply_to keep the stored values, so
// partial update frames do not wipe them. Returns whether the stored row
// changed.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	var changed, dequeued bool
	err := db.withTx(func(tx *sql.Tx) error {
		cur, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, m.ID))
		if errors.Is(err, sql.ErrNoRows) {
			in := *m
			if !in.Status.Valid() || in.Status.rank() < StatusSent.rank() {
				in.Status = StatusSent
			}
			changed = true
			if err := insertMessage(tx, &in); err != nil {
				return err
			}
			dequeued, err = dequeue(tx, in.ID)
			return err
		}
		if err != nil {
			return err
		}

		next := *cur
		next.Body = m.Body
		if m.Type != "" {
			next.Type = m.Type
		}
		if m.ReplyTo != "" {
			next.ReplyTo = m.ReplyTo
		}
		next.Edited = cur.Edited || m.Edited
		next.Deleted = cur.Deleted || m.Deleted
		if next.Deleted {
			next.Body = ""
		}
		if m.SentAt != 0 && (cur.Status.pending() || cur.SentAt == 0) {
			next.SentAt = m.SentAt
		}
		if cur.Status.pending() {
			next.Status = maxStatus(StatusSent, m.Status)
		} else {
			next.Status = maxStatus(cur.Status, m.Status)
		}
		if next == *cur {
			return nil
		}
		changed = true
		_, err = tx.Exec(`
			UPDATE messages SET body = ?, message_type = ?, reply_to = ?, status = ?, sent_at = ?, edited = ?, deleted = ?
			WHERE id = ?`,
			nullString(next.Body), next.Type, nullString(next.ReplyTo), next.Status, nullInt(next.SentAt), next.Edited, next.Deleted, next.ID)
		if err != nil || !cur.Status.pending() {
			return err
		}
		dequeued, err = dequeue(tx, next.ID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	if changed {
		db.notifyMessages(m.ConversationID, m.ID)
	}
	if dequeued {
		db.notifyOutbox(m.ID)
	}
	return changed, nil
}

// GetMessage returns a message by id, or ErrNotFound.
func (db *DB) GetMessage(id string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// ListByConversation returns all messages of a conversation in ascending
// local creation order.
func (db *DB) ListByConversation(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CanTransition reports whether the status machine allows from -> to.
// delivered and read are reached through MarkDelivered and MarkRead.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusSending:
		return from == StatusQueued || from == StatusSending
	case StatusSent:
		return from.pending()
	case StatusQueued:
		return from == StatusFailed || from == StatusSending
	case StatusFailed:
		return from != StatusRead && from != StatusFailed
	case StatusDelivered, StatusRead:
		return to.rank() > from.rank()
	}
	return false
}

// UpdateStatus moves a message to status. sentAt (unix ms) is recorded when
// to is sent; a late sent on an already delivered or read row only fills in a
// missing sent timestamp. Returns whether the row changed.
func (db *DB) UpdateStatus(id string, to Status, sentAt int64) (bool, error) {
	var (
		changed  bool
		dequeued bool
		convID   string
	)
	err := db.withTx(func(tx *sql.Tx) error {
		var (
			from Status
			cur  sql.NullInt64
		)
		err := tx.QueryRow(`SELECT conversation_id, status, sent_at FROM messages WHERE id = ?`, id).Scan(&convID, &from, &cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		newStatus := from
		newSentAt := cur.Int64
		if CanTransition(from, to) {
			newStatus = to
		}
		if to == StatusSent && sentAt != 0 && newSentAt == 0 {
			newSentAt = sentAt
		}
		if newStatus == from && newSentAt == cur.Int64 {
			return nil
		}
		changed = true
		_, err = tx.Exec(`UPDATE messages SET status = ?, sent_at = ? WHERE id = ?`, newStatus, nullInt(newSentAt), id)
		if err != nil || !newStatus.Acknowledged() {
			return err
		}
		dequeued, err = dequeue(tx, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update status %s -> %s: %w", id, to, err)
	}
	if changed {
		db.notifyMessages(convID, id)
	}
	if dequeued {
		db.notifyOutbox(id)
	}
	return changed, nil
}

// MarkFailed moves a message that is still on its way out (queued or sending)
// to failed. A row the server acknowledged in the meantime, or a missing one,
// is left alone. Reports whether the row changed.
func (db *DB) MarkFailed(id string) (bool, error) {
	var convID string
	err := db.QueryRow(`
		UPDATE messages SET status = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING conversation_id`,
		StatusFailed, id, StatusQueued, StatusSending).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, err)
	}
	db.notifyMessages(convID, id)
	return true, nil
}

// MarkDelivered moves messages to delivered unless they are already delivered
// or read. Returns the ids that changed.
func (db *DB) MarkDelivered(ids []string) ([]string, error) {
	return db.markReceipt(ids, StatusDelivered, `'delivered', 'read'`)
}

// MarkRead moves messages to read. Returns the ids that changed.
func (db *DB) MarkRead(ids []string) ([]string, error) {
	return db.markReceipt(ids, StatusRead, `'read'`)
}

func (db *DB) markReceipt(ids []string, to Status, terminal string) ([]string, error) {
	changed := make(map[string][]string)
	var (
		order    []string
		dequeued []string
	)
	err := db.withTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`UPDATE messages SET status = ? WHERE id = ? AND status NOT IN (` + terminal + `) RETURNING conversation_id`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, id := range ids {
			var convID string
			err := stmt.QueryRow(to, id).Scan(&convID)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			// A receipt proves the server has the message.
			had, err := dequeue(tx, id)
			if err != nil {
				return err
			}
			if had {
				dequeued = append(dequeued, id)
			}
			if _, ok := changed[convID]; !ok {
				order = append(order, convID)
			}
			changed[convID] = append(changed[convID], id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark %s: %w", to, err)
	}
	var all []string
	for _, convID := range order {
		db.notifyMessages(convID, changed[convID]...)
		all = append(all, changed[convID]...)
	}
	for _, id := range dequeued {
		db.notifyOutbox(id)
	}
	return all, nil
}

// MarkDeleted turns a message into a tombstone. The row stays so that late
// events for the id remain idempotent.
func (db *DB) MarkDeleted(id string) error {
	var convID string
	err := db.QueryRow(`UPDATE messages SET deleted = 1, body = NULL WHERE id = ? RETURNING conversation_id`, id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark deleted %s: %w", id, err)
	}
	db.notifyMessages(convID, id)
	return nil
}

// MarkEdited replaces the body of a message and flags it as edited.
func (db *DB) MarkEdited(id, body string) error {
	var convID string
	err := db.QueryRow(`UPDATE messages SET body = ?, edited = 1 WHERE id = ? AND deleted = 0 RETURNING conversation_id`, nullString(body), id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark edited %s: %w", id, err)
	}
	db.notifyMessages(convID, id)
	return nil
}

// DeleteMessage physically removes a message together with its attachments
// and any outbox entry.
func (db *DB) DeleteMessage(id string) error {
	var convID string
	err := db.withTx(func(tx *sql.Tx) error {
		err := tx.QueryRow(`SELECT conversation_id FROM messages WHERE id = ?`, id).Scan(&convID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM outbox WHERE message_id = ?`, id); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM messages WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	db.notifyMessages(convID, id)
	db.notifyOutbox(id)
	return nil
}
