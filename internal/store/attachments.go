package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoReference is returned for an attachment with neither a local nor a remote reference.
var ErrNoReference = errors.New("attachment needs a local or remote reference")

func insertAttachment(tx *sql.Tx, a *Attachment) error {
	if a.LocalRef == "" && a.RemoteRef == "" {
		return ErrNoReference
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := tx.Exec(`
		INSERT INTO attachments (id, message_id, kind, mime_type, size_bytes, width, height, duration_ms, local_ref, remote_ref, thumbnail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.Kind, a.MimeType, a.SizeBytes,
		nullInt(int64(a.Width)), nullInt(int64(a.Height)), nullInt(a.DurationMs),
		nullString(a.LocalRef), nullString(a.RemoteRef), a.Thumbnail)
	return err
}

// AddAttachment stores an attachment for an existing message.
func (db *DB) AddAttachment(a *Attachment) error {
	if err := db.withTx(func(tx *sql.Tx) error {
		return insertAttachment(tx, a)
	}); err != nil {
		return fmt.Errorf("add attachment to %s: %w", a.MessageID, err)
	}
	return nil
}

// Attachments returns the attachments of a message in insertion order.
func (db *DB) Attachments(messageID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, message_id, kind, mime_type, size_bytes, width, height, duration_ms, local_ref, remote_ref, thumbnail
		FROM attachments WHERE message_id = ? ORDER BY rowid ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		var (
			a                   Attachment
			width, height       sql.NullInt64
			duration            sql.NullInt64
			localRef, remoteRef sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Kind, &a.MimeType, &a.SizeBytes, &width, &height, &duration, &localRef, &remoteRef, &a.Thumbnail); err != nil {
			return nil, err
		}
		a.Width = int(width.Int64)
		a.Height = int(height.Int64)
		a.DurationMs = duration.Int64
		a.LocalRef = localRef.String
		a.RemoteRef = remoteRef.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAttachmentRemote records the remote reference returned by an upload.
func (db *DB) SetAttachmentRemote(id, remoteRef string) error {
	res, err := db.Exec(`UPDATE attachments SET remote_ref = ? WHERE id = ?`, remoteRef, id)
	if err != nil {
		return fmt.Errorf("set attachment remote %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAttachment stores a server-provided attachment, refreshing the remote
// reference when the id is already known.
func (db *DB) UpsertAttachment(a *Attachment) error {
	if a.LocalRef == "" && a.RemoteRef == "" {
		return ErrNoReference
	}
	_, err := db.Exec(`
		INSERT INTO attachments (id, message_id, kind, mime_type, size_bytes, width, height, duration_ms, local_ref, remote_ref, thumbnail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_ref = COALESCE(excluded.remote_ref, attachments.remote_ref)`,
		a.ID, a.MessageID, a.Kind, a.MimeType, a.SizeBytes,
		nullInt(int64(a.Width)), nullInt(int64(a.Height)), nullInt(a.DurationMs),
		nullString(a.LocalRef), nullString(a.RemoteRef), a.Thumbnail)
	if err != nil {
		return fmt.Errorf("upsert attachment %s: %w", a.ID, err)
	}
	return nil
}
