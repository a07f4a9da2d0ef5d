package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/courier/internal/backoff"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/rpc"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoUploader is recorded when an attachment has no remote reference and no
// uploader is configured to produce one.
var ErrNoUploader = errors.New("attachment not uploaded and no uploader configured")

// MessageSender submits one message to the server.
type MessageSender interface {
	Send(ctx context.Context, conversationID string, req wire.SendRequest) (*wire.SendResponse, error)
}

// Uploader turns a local attachment into a remote reference.
type Uploader interface {
	Upload(ctx context.Context, a store.Attachment) (remoteRef string, err error)
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	Online() bool
}

// Limiter is the per-conversation admission control consulted before each send.
type Limiter interface {
	CheckAndWait(ctx context.Context, conversationID string) bool
	HandleRateLimited(conversationID string, retryAfter time.Duration)
	Clear(conversationID string)
}

// Config tunes the worker.
type Config struct {
	Interval    time.Duration // periodic wake-up
	BatchSize   int           // entries per cycle
	MaxAttempts int           // attempts before a message is marked failed
	Concurrency int           // conversations processed in parallel
	BaseBackoff time.Duration // delay after the first failed attempt
	MaxBackoff  time.Duration // cap on the retry delay
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		Concurrency: 4,
		BaseBackoff: time.Second,
		MaxBackoff:  5 * time.Minute,
	}
}

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	MessageID      string
	ConversationID string
	SentAt         int64
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	MessageID      string
	ConversationID string
	Attempts       int
	Permanent      bool
	Error          string
}

// Worker drains the outbox: it sends due entries, applies retry policy and
// keeps message status in step with the outcome.
type Worker struct {
	db       *store.DB
	sender   MessageSender
	limiter  Limiter
	uploader Uploader
	online   Connectivity
	bus      *bus.Bus
	cfg      Config
	logger   *zap.Logger

	wake   chan struct{}
	cycle  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewWorker creates a delivery worker. Zero config fields fall back to DefaultConfig.
func NewWorker(db *store.DB, sender MessageSender, limiter Limiter, b *bus.Bus, cfg Config, logger *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:       db,
		sender:   sender,
		limiter:  limiter,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
}

// SetUploader installs the uploader used for attachments without a remote reference.
func (w *Worker) SetUploader(u Uploader) { w.uploader = u }

// SetConnectivity makes the worker skip cycles while c reports offline.
func (w *Worker) SetConnectivity(c Connectivity) { w.online = c }

// Start begins draining the outbox on every Notify and on a timer.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	w.Notify()
}

// Stop stops the worker loop and waits for the current cycle to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Notify requests a cycle as soon as possible. It never blocks.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.wake:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce processes one batch of due entries and returns how many left the
// outbox. Conversations run in parallel; entries of one conversation run in
// order and stop at the first one that does not go through.
func (w *Worker) RunOnce(ctx context.Context) int {
	if w.online != nil && !w.online.Online() {
		w.logger.Debug("offline, skipping delivery cycle")
		return 0
	}
	w.cycle.Lock()
	defer w.cycle.Unlock()

	entries, err := w.db.NextBatch(w.cfg.BatchSize, w.cfg.MaxAttempts, time.Now())
	if err != nil {
		w.logger.Error("failed to read outbox", zap.Error(err))
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	var (
		order  []string
		groups = make(map[string][]store.OutboxEntry)
	)
	for _, e := range entries {
		key := e.ConversationID
		if key == "" {
			// Orphaned entry; give it its own lane.
			key = "\x00" + e.MessageID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		removed int
	)
	g.SetLimit(w.cfg.Concurrency)
	for _, key := range order {
		lane := groups[key]
		g.Go(func() error {
			n := w.processConversation(ctx, lane)
			mu.Lock()
			removed += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return removed
}

func (w *Worker) processConversation(ctx context.Context, entries []store.OutboxEntry) int {
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !w.deliver(ctx, e) {
			break
		}
		removed++
	}
	return removed
}

func (w *Worker) acquire(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[id]; busy {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

// deliver makes one attempt at e and reports whether the entry left the outbox.
func (w *Worker) deliver(ctx context.Context, e store.OutboxEntry) bool {
	if !w.acquire(e.MessageID) {
		return false
	}
	defer w.release(e.MessageID)

	log := w.logger.With(zap.String("message_id", e.MessageID), zap.String("conversation_id", e.ConversationID))

	m, err := w.db.GetMessage(e.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("dropping outbox entry for missing message")
		return w.remove(log, e.MessageID)
	}
	if err != nil {
		log.Error("failed to load message", zap.Error(err))
		return false
	}
	if m.Status.Acknowledged() {
		log.Debug("message already acknowledged, dropping outbox entry", zap.String("status", string(m.Status)))
		return w.remove(log, e.MessageID)
	}

	stubs, err := w.prepareAttachments(ctx, m.ID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.fail(log, m, e, err, errors.Is(err, ErrNoUploader))
		return false
	}

	if !w.limiter.CheckAndWait(ctx, m.ConversationID) {
		return false
	}
	if _, err := w.db.UpdateStatus(m.ID, store.StatusSending, 0); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return false
	}

	res, err := w.sender.Send(ctx, m.ConversationID, wire.SendRequest{
		ClientMessageID: m.ID,
		Type:            string(m.Type),
		Body:            m.Body,
		ReplyTo:         m.ReplyTo,
		Attachments:     stubs,
	})

	switch kind := rpc.KindOf(err); {
	case err == nil || kind == rpc.KindConflict:
		var sentAt int64
		if res != nil {
			sentAt = res.SentAt
		}
		if _, err := w.db.UpdateStatus(m.ID, store.StatusSent, sentAt); err != nil {
			log.Error("failed to mark sent", zap.Error(err))
		}
		w.limiter.Clear(m.ConversationID)
		removed := w.remove(log, m.ID)
		log.Info("message sent", zap.Bool("replayed", err != nil))
		w.bus.Emit(bus.KindMessageSendAck, SendAck{MessageID: m.ID, ConversationID: m.ConversationID, SentAt: sentAt})
		return removed

	case ctx.Err() != nil:
		// Shutting down mid-send; the attempt does not count.
		w.requeue(log, m.ID)
		return false

	case kind == rpc.KindRateLimited:
		retryAfter := rpc.RetryAfterOf(err)
		w.limiter.HandleRateLimited(m.ConversationID, retryAfter)
		if retryAfter > 0 {
			if err := w.db.Reschedule(m.ID, time.Now().Add(retryAfter)); err != nil {
				log.Error("failed to reschedule", zap.Error(err))
			}
		}
		w.requeue(log, m.ID)
		log.Info("rate limited", zap.Duration("retry_after", retryAfter))
		return false

	default:
		w.fail(log, m, e, err, kind == rpc.KindPermanent)
		return false
	}
}

// prepareAttachments uploads attachments that lack a remote reference and
// returns the stubs for the send request.
func (w *Worker) prepareAttachments(ctx context.Context, messageID string) ([]wire.Attachment, error) {
	atts, err := w.db.Attachments(messageID)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	stubs := make([]wire.Attachment, 0, len(atts))
	for _, a := range atts {
		if a.RemoteRef == "" {
			if w.uploader == nil {
				return nil, ErrNoUploader
			}
			ref, err := w.uploader.Upload(ctx, a)
			if err != nil {
				return nil, fmt.Errorf("upload %s: %w", a.ID, err)
			}
			if err := w.db.SetAttachmentRemote(a.ID, ref); err != nil {
				return nil, err
			}
			a.RemoteRef = ref
		}
		stubs = append(stubs, wire.FromStoreAttachment(a))
	}
	return stubs, nil
}

// fail records a failed attempt. Permanent failures and the last transient
// one mark the message failed; earlier transient ones schedule a retry.
func (w *Worker) fail(log *zap.Logger, m *store.Message, e store.OutboxEntry, cause error, permanent bool) {
	attempts := e.Attempts + 1
	if permanent {
		attempts = w.cfg.MaxAttempts
	}

	var next time.Time
	var delay time.Duration
	if attempts < w.cfg.MaxAttempts {
		delay = backoff.ForAttempt(w.cfg.BaseBackoff, w.cfg.MaxBackoff, attempts)
		next = time.Now().Add(delay)
	}
	err := w.db.RecordAttempt(m.ID, attempts, cause.Error(), next)
	if errors.Is(err, store.ErrNotFound) {
		// An echo or receipt took the entry out while the send was in flight.
		log.Debug("outbox entry gone after failed attempt", zap.Error(cause))
		return
	}
	if err != nil {
		log.Error("failed to record attempt", zap.Error(err))
	}

	if attempts < w.cfg.MaxAttempts {
		w.requeue(log, m.ID)
		log.Warn("send failed, will retry",
			zap.Error(cause),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", delay))
		return
	}

	marked, err := w.db.MarkFailed(m.ID)
	if err != nil {
		log.Error("failed to mark failed", zap.Error(err))
		return
	}
	if !marked {
		log.Info("message acknowledged during its last attempt, not marking failed")
		return
	}
	log.Error("send failed, giving up",
		zap.Error(cause),
		zap.Int("attempts", attempts),
		zap.Bool("permanent", permanent))
	w.bus.Emit(bus.KindMessageSendFail, SendFailure{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Attempts:       attempts,
		Permanent:      permanent,
		Error:          cause.Error(),
	})
}

func (w *Worker) requeue(log *zap.Logger, id string) {
	if _, err := w.db.UpdateStatus(id, store.StatusQueued, 0); err != nil {
		log.Error("failed to revert to queued", zap.Error(err))
	}
}

func (w *Worker) remove(log *zap.Logger, id string) bool {
	if err := w.db.Remove(id); err != nil {
		log.Error("failed to remove outbox entry", zap.Error(err))
		return false
	}
	return true
}
