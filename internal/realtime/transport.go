// Package realtime keeps the long-lived websocket connection to the chat
// server, reconnects it when it drops and routes inbound frames to the store.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/courier/internal/auth"
	"github.com/matheus3301/courier/internal/backoff"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/status"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrDegraded is returned by connect calls while degraded mode is on.
	ErrDegraded = errors.New("realtime: degraded mode, not connecting")
	// ErrGaveUp is returned by ConnectWithRetry once its schedule is spent.
	ErrGaveUp = errors.New("realtime: gave up connecting")
	// ErrConnectInProgress is returned by Connect while another dial is in
	// flight. Its outcome is not known yet.
	ErrConnectInProgress = errors.New("realtime: connect already in progress")
)

// EventSink applies inbound server events. The ingestion engine implements it.
type EventSink interface {
	IngestMessage(m wire.Message) error
	ApplyUpdate(m wire.Message) error
	ApplyReceipt(r wire.Receipt) error
}

// Config tunes the transport.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration

	// Reconnect schedule after an unexpected close.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// Foreground schedule used by ConnectWithRetry. RetryTries counts the
	// first attempt.
	RetryInitial time.Duration
	RetryMax     time.Duration
	RetryTries   int
}

// DefaultConfig returns the production settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HandshakeTimeout:  10 * time.Second,
		ReconnectBase:     time.Second,
		ReconnectMax:      15 * time.Second,
		ReconnectAttempts: 10,
		RetryInitial:      time.Second,
		RetryMax:          30 * time.Second,
		RetryTries:        5,
	}
}

// Transport owns one websocket connection and its state machine. At most one
// reconnect loop runs at a time, driving a single backoff cursor.
type Transport struct {
	cfg     Config
	creds   auth.Provider
	sink    EventSink
	bus     *bus.Bus
	machine *status.Machine
	dialer  *websocket.Dialer
	logger  *zap.Logger

	reconnect *backoff.Jittered
	initial   *backoff.Doubling
	degraded  atomic.Bool

	mu            sync.Mutex
	conn          *websocket.Conn
	gen           uint64
	autoReconnect bool
	hooks         []func()
	active        backoff.Schedule
	loopCancel    context.CancelFunc
	loopDone      chan struct{}
	lastErr       error
}

// New creates a disconnected transport. creds and sink may be nil.
func New(cfg Config, creds auth.Provider, sink EventSink, b *bus.Bus, logger *zap.Logger) *Transport {
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = def.ReconnectAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.RetryTries <= 0 {
		cfg.RetryTries = def.RetryTries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:       cfg,
		creds:     creds,
		sink:      sink,
		bus:       b,
		machine:   status.NewMachine(b),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:    logger,
		reconnect: backoff.NewJittered(cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectAttempts),
		initial:   backoff.NewDoubling(cfg.RetryInitial, cfg.RetryMax, cfg.RetryTries-1),
	}
}

// OnConnect registers fn to run every time the connection comes up.
func (t *Transport) OnConnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// State returns the current connection state.
func (t *Transport) State() status.State {
	return t.machine.Current()
}

// Online reports whether the connection is up.
func (t *Transport) Online() bool {
	return t.machine.Current() == status.Connected
}

// ReconnectAttempts returns the reconnect backoff cursor.
func (t *Transport) ReconnectAttempts() int {
	return t.reconnect.Attempts()
}

// SetDegraded turns degraded mode on or off. While on, no connection attempt
// is started and any pending reconnect is cancelled. An open connection is
// left alone.
func (t *Transport) SetDegraded(on bool) {
	t.degraded.Store(on)
	if !on {
		return
	}
	t.mu.Lock()
	cancel := t.loopCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect dials the server once. It is a no-op while connected and returns
// ErrConnectInProgress while another dial is in flight.
func (t *Transport) Connect(ctx context.Context) error {
	if t.degraded.Load() {
		return ErrDegraded
	}
	t.mu.Lock()
	t.autoReconnect = true
	t.mu.Unlock()
	if err := t.machine.Transition(status.Connecting); err != nil {
		if t.machine.Current() == status.Connected {
			return nil
		}
		return ErrConnectInProgress
	}
	return t.dial(ctx, nil)
}

// ConnectWithRetry connects in the foreground, retrying on a doubling
// schedule. A dial already in flight is waited on and its result reused. If a
// reconnect loop is already running it waits on that one.
func (t *Transport) ConnectWithRetry(ctx context.Context) error {
	err := t.Connect(ctx)
	if errors.Is(err, ErrConnectInProgress) {
		if werr := t.awaitSettled(ctx); werr != nil {
			return werr
		}
		if t.Online() {
			return nil
		}
		err = fmt.Errorf("%w: concurrent attempt failed", ErrConnectInProgress)
	}
	if err == nil || errors.Is(err, ErrDegraded) {
		return err
	}
	t.logger.Warn("initial connect failed, retrying", zap.Error(err))

	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.initial.Reset()
	done := t.startLoop(t.initial)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop steps aside when a competing dial owns the state.
	if err := t.awaitSettled(ctx); err != nil {
		return err
	}
	if t.Online() {
		return nil
	}
	t.mu.Lock()
	last := t.lastErr
	t.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrGaveUp, last)
}

// awaitSettled blocks until the connection state leaves Connecting.
func (t *Transport) awaitSettled(ctx context.Context) error {
	changes, unsub := t.bus.Subscribe(bus.KindConnection, 4)
	defer unsub()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for t.machine.Current() == status.Connecting {
		select {
		case <-changes:
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Kick resets the reconnect backoff and starts reconnecting if the
// connection is down, including after the loop gave up. It does nothing
// after Disconnect.
func (t *Transport) Kick() {
	if t.degraded.Load() || t.Online() {
		return
	}
	t.mu.Lock()
	if !t.autoReconnect {
		t.mu.Unlock()
		return
	}
	sched := t.active
	t.mu.Unlock()
	if sched != nil {
		sched.Reset()
		return
	}
	t.reconnect.Reset()
	t.startLoop(t.reconnect)
}

// Disconnect closes the connection with a normal closure and cancels any
// pending reconnect. Auto-reconnect stays off until the next Connect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.autoReconnect = false
	cancel := t.loopCancel
	conn := t.conn
	t.conn = nil
	t.gen++
	_ = t.machine.Transition(status.Disconnected)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.reconnect.Reset()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		t.logger.Info("realtime disconnected")
	}
}

// dial expects the machine to be in Connecting. loop is the done channel of
// the reconnect loop dialing, or nil for a foreground connect.
func (t *Transport) dial(ctx context.Context, loop chan struct{}) error {
	header := http.Header{}
	if t.creds != nil {
		if token, ok := t.creds.Token(); ok {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		_ = t.machine.Transition(status.Disconnected)
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.cfg.URL, err)
	}

	t.mu.Lock()
	if err := t.machine.Transition(status.Connected); err != nil {
		t.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("connect aborted: %w", err)
	}
	t.conn = conn
	t.gen++
	gen := t.gen
	if loop != nil && t.loopDone == loop {
		// Release the slot so a drop right after this connect starts a new loop.
		t.loopCancel, t.loopDone, t.active = nil, nil, nil
	}
	hooks := slices.Clone(t.hooks)
	t.mu.Unlock()

	t.reconnect.Reset()
	t.logger.Info("realtime connected", zap.String("url", t.cfg.URL))

	go t.readLoop(conn, gen)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(conn, gen, err)
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) handleClose(conn *websocket.Conn, gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.conn != conn {
		// Disconnect already took this connection down.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	_ = conn.Close()
	_ = t.machine.Transition(status.Disconnected)
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	retry := t.autoReconnect && !normal && !t.degraded.Load()
	t.mu.Unlock()

	if normal {
		t.logger.Info("realtime closed by server")
		return
	}
	t.logger.Warn("realtime connection lost", zap.Error(err), zap.Bool("reconnect", retry))
	if retry {
		t.startLoop(t.reconnect)
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// startLoop runs sched in the reconnect loop, or joins the loop already
// running. The returned channel closes when the loop exits.
func (t *Transport) startLoop(sched backoff.Schedule) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loopDone != nil {
		return t.loopDone
	}
	if !t.autoReconnect || t.degraded.Load() {
		return closedCh
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.loopCancel = cancel
	t.loopDone = done
	t.active = sched
	go t.runLoop(ctx, cancel, sched, done)
	return done
}

func (t *Transport) runLoop(ctx context.Context, cancel context.CancelFunc, sched backoff.Schedule, done chan struct{}) {
	defer func() {
		t.mu.Lock()
		if t.loopDone == done {
			t.loopCancel, t.loopDone, t.active = nil, nil, nil
		}
		t.mu.Unlock()
		cancel()
		close(done)
	}()

	for {
		delay, ok := sched.Next()
		if !ok {
			t.logger.Warn("realtime reconnect gave up", zap.Int("attempts", sched.Attempts()))
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if t.degraded.Load() {
			return
		}
		if err := t.machine.Transition(status.Connecting); err != nil {
			// Someone else connected or is connecting.
			return
		}
		err := t.dial(ctx, done)
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		if err == nil {
			return
		}
		t.logger.Debug("reconnect attempt failed",
			zap.Int("attempt", sched.Attempts()),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func (t *Transport) dispatch(data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.logger.Warn("malformed realtime frame", zap.Error(err))
		return
	}

	var err error
	switch f.Type {
	case wire.FrameMessageCreated, wire.FrameMessageUpdated:
		var m wire.Message
		if err = f.Decode(&m); err != nil || t.sink == nil {
			break
		}
		if f.Type == wire.FrameMessageCreated {
			err = t.sink.IngestMessage(m)
		} else {
			err = t.sink.ApplyUpdate(m)
		}
	case wire.FrameReceipt:
		var r wire.Receipt
		if err = f.Decode(&r); err != nil || t.sink == nil {
			break
		}
		err = t.sink.ApplyReceipt(r)
	case wire.FrameTyping:
		var ty wire.Typing
		if err = f.Decode(&ty); err != nil {
			break
		}
		t.bus.Publish(bus.Event{Kind: bus.KindTyping, Timestamp: time.Now(), Payload: ty})
	default:
		t.logger.Debug("ignoring unknown frame", zap.String("type", f.Type))
	}
	if err != nil {
		t.logger.Error("failed to apply realtime frame", zap.String("type", f.Type), zap.Error(err))
	}
}
