package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
)

// CheckpointKey is the sync_state key holding the catch-up high-water mark.
const CheckpointKey = "catchup_since"

// DefaultSkew is subtracted from the checkpoint before catching up so that
// messages stamped by a server clock slightly behind ours are not missed.
const DefaultSkew = 3 * time.Second

// Syncer fetches everything newer than a point in time.
type Syncer interface {
	Sync(ctx context.Context, since int64, conversationID string) (*wire.SyncResponse, error)
}

// Acker receives delivered acknowledgements for inbound messages.
type Acker interface {
	AddDelivered(id string)
}

// Engine handles idempotent ingestion of server events into the store.
// Realtime frames and catch-up responses both end up here.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	syncer     Syncer
	acks       Acker
	reconciler *Reconciler
	selfID     string
	skew       time.Duration
	logger     *zap.Logger

	catchUpMu gosync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine creates a new ingestion engine. selfID identifies the local user;
// inbound messages from anyone else are acknowledged as delivered through acks.
func NewEngine(db *store.DB, b *bus.Bus, syncer Syncer, acks Acker, selfID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		bus:        b,
		syncer:     syncer,
		acks:       acks,
		reconciler: NewReconciler(db, logger),
		selfID:     selfID,
		skew:       DefaultSkew,
		logger:     logger,
	}
}

// SetSkew overrides the clock-skew tolerance used by CatchUp.
func (e *Engine) SetSkew(d time.Duration) {
	e.skew = d
}

// Start catches up every time the realtime connection comes up.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("connection.", 16)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok || change.To != status.Connected {
					continue
				}
				if err := e.CatchUp(ctx); err != nil {
					e.logger.Warn("catch-up failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for an in-progress catch-up to return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// IngestMessage stores a newly created message (idempotent). Messages from
// other users are queued for a delivered acknowledgement.
func (e *Engine) IngestMessage(m wire.Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("inbound message missing id or conversation")
	}
	if _, err := e.db.UpsertMessage(m.ToStore()); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	for i, a := range m.Attachments {
		if a.RemoteRef == "" {
			continue
		}
		sa := a.ToStoreAttachment(m.ID)
		if sa.ID == "" {
			sa.ID = fmt.Sprintf("%s-%d", m.ID, i)
		}
		if err := e.db.UpsertAttachment(&sa); err != nil {
			return fmt.Errorf("upsert attachment: %w", err)
		}
	}
	if m.SenderID != e.selfID && e.acks != nil {
		e.acks.AddDelivered(m.ID)
	}
	return nil
}

// ApplyUpdate merges an edit, deletion or status change of a known message.
func (e *Engine) ApplyUpdate(m wire.Message) error {
	if m.ID == "" {
		return fmt.Errorf("inbound update missing id")
	}
	if _, err := e.db.UpsertMessage(m.ToStore()); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	return nil
}

// ApplyReceipt moves the referenced messages forward to delivered or read.
func (e *Engine) ApplyReceipt(r wire.Receipt) error {
	var err error
	switch r.Type {
	case wire.ReceiptDelivered:
		_, err = e.db.MarkDelivered(r.MessageIDs)
	case wire.ReceiptRead:
		_, err = e.db.MarkRead(r.MessageIDs)
	default:
		return fmt.Errorf("unknown receipt type %q", r.Type)
	}
	return err
}

// CatchUp fetches what was missed while disconnected and advances the
// checkpoint to the newest server timestamp seen. Concurrent calls are
// serialized.
func (e *Engine) CatchUp(ctx context.Context) error {
	if e.syncer == nil {
		return nil
	}
	e.catchUpMu.Lock()
	defer e.catchUpMu.Unlock()

	checkpoint, err := e.reconciler.Since(CheckpointKey)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	since := checkpoint - e.skew.Milliseconds()
	if since < 0 {
		since = 0
	}

	res, err := e.syncer.Sync(ctx, since, "")
	if err != nil {
		return err
	}

	high := checkpoint
	failed := 0
	for _, m := range res.Messages {
		if err := e.IngestMessage(m); err != nil {
			failed++
			e.logger.Error("failed to ingest synced message", zap.Error(err), zap.String("message_id", m.ID))
			continue
		}
		if m.SentAt > high {
			high = m.SentAt
		}
	}
	for _, r := range res.Receipts {
		if err := e.ApplyReceipt(r); err != nil {
			failed++
			e.logger.Error("failed to apply synced receipt", zap.Error(err), zap.String("type", r.Type))
		}
	}

	// Keep the checkpoint where it was if anything failed so the next
	// catch-up sees the same window again.
	if failed == 0 && high > checkpoint {
		if err := e.reconciler.SetSince(CheckpointKey, high); err != nil {
			return fmt.Errorf("write checkpoint: %w", err)
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncCompleted,
		Timestamp: time.Now(),
		Payload: map[string]int{
			"messages": len(res.Messages),
			"receipts": len(res.Receipts),
			"failed":   failed,
		},
	})
	e.logger.Info("catch-up complete",
		zap.Int64("since", since),
		zap.Int("messages", len(res.Messages)),
		zap.Int("receipts", len(res.Receipts)))
	return nil
}
