package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotRetriable is returned by Requeue for a message the server already accepted.
var ErrNotRetriable = errors.New("message already acknowledged")

const outboxColumns = `o.seq, o.message_id, COALESCE(m.conversation_id, ''), o.attempts, COALESCE(o.last_error, ''), o.next_attempt_at, o.created_at`

func scanOutbox(r rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	if err := r.Scan(&e.Seq, &e.MessageID, &e.ConversationID, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func enqueue(tx *sql.Tx, messageID string) (bool, error) {
	res, err := tx.Exec(`
		INSERT INTO outbox (message_id, attempts, next_attempt_at, created_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// dequeue drops the outbox entry of a message the server has acknowledged.
// Reports whether there was one.
func dequeue(tx *sql.Tx, messageID string) (bool, error) {
	res, err := tx.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Compose stores a new queued message, its attachments and its outbox entry
// in one transaction. Either all of them exist afterwards or none do.
func (db *DB) Compose(m *Message, atts []Attachment) error {
	m.Status = StatusQueued
	m.SentAt = 0
	err := db.withTx(func(tx *sql.Tx) error {
		if err := insertMessage(tx, m); err != nil {
			return err
		}
		for i := range atts {
			atts[i].MessageID = m.ID
			if err := insertAttachment(tx, &atts[i]); err != nil {
				return err
			}
		}
		_, err := enqueue(tx, m.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("compose %s: %w", m.ID, err)
	}
	db.notifyMessages(m.ConversationID, m.ID)
	db.notifyOutbox(m.ID)
	return nil
}

// Enqueue adds an outbox entry for messageID. An existing entry is left
// untouched, keeping its sequence and attempt count. Reports whether an
// entry was created.
func (db *DB) Enqueue(messageID string) (bool, error) {
	var created bool
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		created, err = enqueue(tx, messageID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", messageID, err)
	}
	if created {
		db.notifyOutbox(messageID)
	}
	return created, nil
}

// Requeue re-arms a message for delivery after a manual retry: the message
// goes back to queued and its outbox entry has its attempts and schedule
// reset while keeping its original sequence. A missing entry is recreated.
func (db *DB) Requeue(messageID string) error {
	var convID string
	err := db.withTx(func(tx *sql.Tx) error {
		var status Status
		err := tx.QueryRow(`SELECT conversation_id, status FROM messages WHERE id = ?`, messageID).Scan(&convID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status.Acknowledged() {
			return ErrNotRetriable
		}
		if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, StatusQueued, messageID); err != nil {
			return err
		}
		created, err := enqueue(tx, messageID)
		if err != nil || created {
			return err
		}
		_, err = tx.Exec(`UPDATE outbox SET attempts = 0, last_error = NULL, next_attempt_at = 0 WHERE message_id = ?`, messageID)
		return err
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", messageID, err)
	}
	db.notifyMessages(convID, messageID)
	db.notifyOutbox(messageID)
	return nil
}

// NextBatch returns up to limit due outbox entries below maxAttempts, oldest
// first. A conversation whose oldest retriable entry is still backing off is
// skipped entirely so that newer messages never overtake it.
func (db *DB) NextBatch(limit, maxAttempts int, now time.Time) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	nowMs := now.UnixMilli()
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM outbox o
		LEFT JOIN messages m ON m.id = o.message_id
		WHERE o.attempts < ? AND o.next_attempt_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM outbox o2
			JOIN messages m2 ON m2.id = o2.message_id
			WHERE m2.conversation_id = m.conversation_id
			  AND o2.seq < o.seq
			  AND o2.attempts < ?
			  AND o2.next_attempt_at > ?)
		ORDER BY o.seq ASC
		LIMIT ?`,
		maxAttempts, nowMs, maxAttempts, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// RecordAttempt stores the attempt counter, last error and the earliest time
// the entry may be retried.
func (db *DB) RecordAttempt(messageID string, attempts int, errText string, nextAttemptAt time.Time) error {
	var next int64
	if !nextAttemptAt.IsZero() {
		next = nextAttemptAt.UnixMilli()
	}
	res, err := db.Exec(`
		UPDATE outbox SET attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE message_id = ?`,
		attempts, nullString(errText), next, messageID)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	db.notifyOutbox(messageID)
	return nil
}

// Reschedule pushes back the next attempt without consuming one.
func (db *DB) Reschedule(messageID string, nextAttemptAt time.Time) error {
	_, err := db.Exec(`UPDATE outbox SET next_attempt_at = ? WHERE message_id = ?`, nextAttemptAt.UnixMilli(), messageID)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", messageID, err)
	}
	return nil
}

// Remove deletes the outbox entry of a message. Removing a missing entry is not an error.
func (db *DB) Remove(messageID string) error {
	res, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.notifyOutbox(messageID)
	}
	return nil
}

// Entry returns the outbox entry of a message, or ErrNotFound.
func (db *DB) Entry(messageID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`
		SELECT `+outboxColumns+`
		FROM outbox o LEFT JOIN messages m ON m.id = o.message_id
		WHERE o.message_id = ?`, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("outbox entry %s: %w", messageID, err)
	}
	return e, nil
}

// PendingCount returns the number of messages not yet acknowledged by the server.
func (db *DB) PendingCount() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

// FailedItems returns entries that exhausted their attempts, oldest first.
func (db *DB) FailedItems(maxAttempts int) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM outbox o LEFT JOIN messages m ON m.id = o.message_id
		WHERE o.attempts >= ?
		ORDER BY o.seq ASC`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
