// Package receipts coalesces delivered and read acknowledgements and sends
// them to the server in bulk.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/backoff"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
)

// Sender delivers one bulk acknowledgement.
type Sender interface {
	SendReceipts(ctx context.Context, kind string, ids []string) error
}

// Config tunes the batcher.
type Config struct {
	FlushDelay time.Duration // wait after the first id before flushing
	BatchSize  int           // ids per kind per flush
	MaxQueue   int           // ids kept per kind; the oldest are dropped beyond it
	MaxBackoff time.Duration // cap on the re-arm delay after failed flushes
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		FlushDelay: 2 * time.Second,
		BatchSize:  50,
		MaxQueue:   5000,
		MaxBackoff: time.Minute,
	}
}

// Batcher queues message ids and flushes them on a timer. Adding never blocks
// on the network. Ids whose flush fails go back to the tail of their queue.
type Batcher struct {
	sender Sender
	cfg    Config
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// flushMu keeps a single flush in flight.
	flushMu sync.Mutex

	mu        sync.Mutex
	delivered []string
	read      []string
	timer     *time.Timer
	failures  int
	dropped   int64
	closed    bool
}

// New creates a batcher. Zero config fields fall back to DefaultConfig.
func New(sender Sender, cfg Config, logger *zap.Logger) *Batcher {
	def := DefaultConfig()
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{sender: sender, cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
}

// AddDelivered queues a delivered acknowledgement for id.
func (b *Batcher) AddDelivered(id string) {
	b.add(&b.delivered, wire.ReceiptDelivered, id)
}

// AddRead queues a read acknowledgement for id.
func (b *Batcher) AddRead(id string) {
	b.add(&b.read, wire.ReceiptRead, id)
}

func (b *Batcher) add(q *[]string, kind, id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	*q = append(*q, id)
	b.trimLocked(q, kind)
	b.armLocked(b.delayLocked())
}

// trimLocked enforces MaxQueue by dropping the oldest ids.
func (b *Batcher) trimLocked(q *[]string, kind string) {
	over := len(*q) - b.cfg.MaxQueue
	if over <= 0 {
		return
	}
	*q = append([]string(nil), (*q)[over:]...)
	b.dropped += int64(over)
	b.logger.Warn("receipt queue full, dropping oldest",
		zap.String("kind", kind),
		zap.Int("dropped", over),
		zap.Int64("dropped_total", b.dropped))
}

// delayLocked stretches the flush delay while flushes keep failing.
func (b *Batcher) delayLocked() time.Duration {
	if b.failures == 0 {
		return b.cfg.FlushDelay
	}
	return backoff.ForAttempt(b.cfg.FlushDelay, b.cfg.MaxBackoff, b.failures+1)
}

func (b *Batcher) armLocked(delay time.Duration) {
	if b.timer != nil || b.closed {
		return
	}
	b.timer = time.AfterFunc(delay, b.onTimer)
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	if err := b.Flush(b.ctx); err != nil {
		b.logger.Debug("receipt flush failed", zap.Error(err))
	}
}

// Flush sends up to BatchSize ids of each kind now. Concurrent calls wait for
// the flush in flight to finish.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	delivered := take(&b.delivered, b.cfg.BatchSize)
	read := take(&b.read, b.cfg.BatchSize)
	b.mu.Unlock()

	var errs []error
	if err := b.send(ctx, &b.delivered, wire.ReceiptDelivered, delivered); err != nil {
		errs = append(errs, err)
	}
	if err := b.send(ctx, &b.read, wire.ReceiptRead, read); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(errs) > 0 {
		b.failures++
	} else {
		b.failures = 0
	}
	if len(b.delivered) > 0 || len(b.read) > 0 {
		b.armLocked(b.delayLocked())
	}
	return errors.Join(errs...)
}

func (b *Batcher) send(ctx context.Context, q *[]string, kind string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.sender.SendReceipts(ctx, kind, dedup(ids))
	if err == nil {
		return nil
	}
	b.mu.Lock()
	*q = append(*q, ids...)
	b.trimLocked(q, kind)
	b.mu.Unlock()
	return fmt.Errorf("flush %d %s receipts: %w", len(ids), kind, err)
}

// Pending returns the number of queued delivered and read ids.
func (b *Batcher) Pending() (delivered, read int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delivered), len(b.read)
}

// Dropped returns how many ids were discarded because a queue was full.
func (b *Batcher) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close stops the timer and rejects further ids. Queued ids are discarded;
// call Flush first to push them out.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.cancel()
}

func take(q *[]string, n int) []string {
	if len(*q) < n {
		n = len(*q)
	}
	out := append([]string(nil), (*q)[:n]...)
	*q = (*q)[n:]
	return out
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
