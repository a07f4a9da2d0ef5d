package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/matheus3301/courier/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a message or outbox entry does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite database connection for the app-owned courier.db.
type DB struct {
	*sql.DB
	bus atomic.Pointer[bus.Bus]
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Transactions take the write lock up front so concurrent writers wait on the
// busy timeout instead of failing on lock upgrade.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// AttachBus makes the store publish change notifications on b.
func (db *DB) AttachBus(b *bus.Bus) {
	db.bus.Store(b)
}

func (db *DB) notifyMessages(conversationID string, ids ...string) {
	if len(ids) == 0 {
		return
	}
	db.bus.Load().Emit(bus.KindMessageChanged, Change{ConversationID: conversationID, MessageIDs: ids})
}

func (db *DB) notifyOutbox(messageID string) {
	db.bus.Load().Emit(bus.KindOutboxChanged, messageID)
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
