package outbox

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/ratelimit"
	"github.com/matheus3301/courier/internal/rpc"
	"github.com/matheus3301/courier/internal/store"
	"github.com/matheus3301/courier/internal/wire"
	"go.uber.org/zap"
)

// mockServer behaves like the send endpoint: the idempotency key is remembered
// and replays are answered with a conflict.
type mockServer struct {
	mu       sync.Mutex
	accepted map[string]bool
	order    []string
	errs     []error // consumed one per call before accepting
	delay    time.Duration
	calls    atomic.Int32
	inflight atomic.Int32
	maxPar   atomic.Int32
}

func newMockServer() *mockServer {
	return &mockServer{accepted: make(map[string]bool)}
}

func (m *mockServer) Send(ctx context.Context, conversationID string, req wire.SendRequest) (*wire.SendResponse, error) {
	m.calls.Add(1)
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		cur := m.maxPar.Load()
		if n <= cur || m.maxPar.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if m.accepted[req.ClientMessageID] {
		return nil, &rpc.Error{Kind: rpc.KindConflict, Status: http.StatusConflict}
	}
	m.accepted[req.ClientMessageID] = true
	m.order = append(m.order, req.ClientMessageID)
	return &wire.SendResponse{SentAt: 1000 + int64(len(m.order))}, nil
}

func (m *mockServer) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

type switchConn struct{ on atomic.Bool }

func (s *switchConn) Online() bool { return s.on.Load() }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() Config {
	return Config{
		Interval:    time.Hour,
		BatchSize:   50,
		MaxAttempts: 5,
		Concurrency: 4,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func newTestWorker(t *testing.T, db *store.DB, srv MessageSender, b *bus.Bus) *Worker {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewWorker(db, srv, ratelimit.New(0, nil), b, testConfig(), logger)
}

func compose(t *testing.T, db *store.DB, id, conv string) {
	t.Helper()
	if err := db.Compose(&store.Message{ID: id, ConversationID: conv, SenderID: "me", Body: "hello " + id}, nil); err != nil {
		t.Fatal(err)
	}
}

func statusOf(t *testing.T, db *store.DB, id string) store.Status {
	t.Helper()
	m, err := db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	return m.Status
}

// drain runs cycles until nothing is due, waiting out short backoffs.
func drain(w *Worker, db *store.DB, rounds int) {
	for i := 0; i < rounds; i++ {
		w.RunOnce(context.Background())
		if n, _ := db.PendingCount(); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerSendsAndRemoves(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	srv := newMockServer()
	w := newTestWorker(t, db, srv, b)

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	compose(t, db, "m1", "c1")
	if n := w.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}

	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusSent || m.SentAt != 1001 {
		t.Errorf("message = %+v, want sent at 1001", m)
	}
	if n, _ := db.PendingCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	select {
	case evt := <-ch:
		ack, ok := evt.Payload.(SendAck)
		if !ok || ack.MessageID != "m1" {
			t.Errorf("ack payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
}

// TestWorkerIdempotentRetry covers a send that reached the server but whose
// response was lost: the retry is answered with a conflict, and the message
// ends up sent exactly once.
func TestWorkerIdempotentRetry(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	compose(t, db, "m1", "c1")
	// First attempt is accepted server-side but the client sees a timeout.
	srv.accepted["m1"] = true
	srv.order = append(srv.order, "m1")
	srv.errs = []error{&rpc.Error{Kind: rpc.KindTransient, Message: "timeout"}}

	drain(w, db, 20)

	if got := srv.sent(); len(got) != 1 {
		t.Errorf("server accepted %v, want exactly one", got)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusSent {
		t.Errorf("status = %s, want sent", s)
	}
}

func TestWorkerPreservesFIFOPerConversation(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	for _, id := range []string{"a1", "a2", "a3"} {
		compose(t, db, id, "a")
	}
	// a1 fails once: a2 and a3 must not overtake it.
	srv.errs = []error{&rpc.Error{Kind: rpc.KindTransient, Message: "503"}}

	w.RunOnce(context.Background())
	if got := srv.sent(); len(got) != 0 {
		t.Fatalf("sent %v after failed head, want nothing", got)
	}

	drain(w, db, 20)
	got := srv.sent()
	want := []string{"a1", "a2", "a3"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent %v, want %v", got, want)
			break
		}
	}
}

func TestWorkerRunsConversationsInParallel(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	srv.delay = 50 * time.Millisecond
	w := newTestWorker(t, db, srv, nil)

	for _, c := range []string{"a", "b", "c", "d"} {
		compose(t, db, c+"1", c)
	}
	if n := w.RunOnce(context.Background()); n != 4 {
		t.Fatalf("RunOnce() = %d, want 4", n)
	}
	if p := srv.maxPar.Load(); p < 2 {
		t.Errorf("max parallel sends = %d, want >= 2", p)
	}
}

func TestWorkerFiveFailuresMarkFailed(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	srv := newMockServer()
	for i := 0; i < 10; i++ {
		srv.errs = append(srv.errs, &rpc.Error{Kind: rpc.KindTransient, Message: "down"})
	}
	w := newTestWorker(t, db, srv, b)

	ch, unsub := b.Subscribe(bus.KindMessageSendFail, 10)
	defer unsub()

	compose(t, db, "m1", "c1")
	drain(w, db, 30)

	if c := srv.calls.Load(); c != 5 {
		t.Errorf("send calls = %d, want 5", c)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusFailed {
		t.Errorf("status = %s, want failed", s)
	}
	e, err := db.Entry("m1")
	if err != nil {
		t.Fatalf("entry should remain for manual retry: %v", err)
	}
	if e.Attempts != 5 || e.LastError == "" {
		t.Errorf("entry = %+v, want 5 attempts with error", e)
	}

	select {
	case evt := <-ch:
		f, ok := evt.Payload.(SendFailure)
		if !ok || f.Permanent || f.Attempts != 5 {
			t.Errorf("failure payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// No further automatic attempts.
	w.RunOnce(context.Background())
	if c := srv.calls.Load(); c != 5 {
		t.Errorf("send calls after give-up = %d, want 5", c)
	}

	// Manual retry re-arms it.
	if err := db.Requeue("m1"); err != nil {
		t.Fatal(err)
	}
	srv.mu.Lock()
	srv.errs = nil
	srv.mu.Unlock()
	w.RunOnce(context.Background())
	if s := statusOf(t, db, "m1"); s != store.StatusSent {
		t.Errorf("status after retry = %s, want sent", s)
	}
}

func TestWorkerPermanentErrorSkipsRetryBudget(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	srv.errs = []error{&rpc.Error{Kind: rpc.KindPermanent, Status: http.StatusUnprocessableEntity}}
	w := newTestWorker(t, db, srv, nil)

	compose(t, db, "m1", "c1")
	w.RunOnce(context.Background())

	if c := srv.calls.Load(); c != 1 {
		t.Errorf("send calls = %d, want 1", c)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusFailed {
		t.Errorf("status = %s, want failed", s)
	}
	failed, _ := db.FailedItems(5)
	if len(failed) != 1 {
		t.Errorf("failed items = %d, want 1", len(failed))
	}
}

func TestWorkerRateLimitedDoesNotConsumeAttempt(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	srv.errs = []error{&rpc.Error{Kind: rpc.KindRateLimited, Status: http.StatusTooManyRequests, RetryAfter: 80 * time.Millisecond}}
	limiter := ratelimit.New(0, nil)
	w := NewWorker(db, srv, limiter, nil, testConfig(), nil)

	compose(t, db, "m1", "c1")
	w.RunOnce(context.Background())

	e, err := db.Entry("m1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", e.Attempts)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusQueued {
		t.Errorf("status = %s, want queued", s)
	}
	if limiter.Cooldown("c1") <= 0 {
		t.Error("cool-down not installed")
	}

	// Nothing is due before the window elapses.
	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce() during cool-down = %d, want 0", n)
	}

	time.Sleep(100 * time.Millisecond)
	if n := w.RunOnce(context.Background()); n != 1 {
		t.Errorf("RunOnce() after cool-down = %d, want 1", n)
	}
	if limiter.Cooldown("c1") != 0 {
		t.Error("cool-down not cleared after success")
	}
}

func TestWorkerSkipsWhileOffline(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)
	conn := &switchConn{}
	w.SetConnectivity(conn)

	compose(t, db, "m1", "c1")
	w.RunOnce(context.Background())
	if c := srv.calls.Load(); c != 0 {
		t.Fatalf("sent %d while offline", c)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusQueued {
		t.Errorf("status = %s, want queued", s)
	}

	conn.on.Store(true)
	w.RunOnce(context.Background())
	if s := statusOf(t, db, "m1"); s != store.StatusSent {
		t.Errorf("status = %s, want sent", s)
	}
}

func TestWorkerDropsAcknowledgedAndMissing(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	compose(t, db, "m1", "c1")
	// A row acknowledged behind the store's back still has its entry.
	if _, err := db.Exec(`UPDATE messages SET status = 'sent' WHERE id = 'm1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Enqueue("ghost"); err != nil {
		t.Fatal(err)
	}

	if n := w.RunOnce(context.Background()); n != 2 {
		t.Errorf("RunOnce() = %d, want 2", n)
	}
	if c := srv.calls.Load(); c != 0 {
		t.Errorf("send calls = %d, want 0", c)
	}
}

func TestWorkerEchoBeforeRunLeavesNothingToSend(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	compose(t, db, "m1", "c1")
	if _, err := db.UpsertMessage(&store.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Type: store.TypeText, Status: store.StatusSent, SentAt: 5}); err != nil {
		t.Fatal(err)
	}

	if n := w.RunOnce(context.Background()); n != 0 {
		t.Errorf("RunOnce() = %d, want 0", n)
	}
	if c := srv.calls.Load(); c != 0 {
		t.Errorf("send calls = %d, want 0", c)
	}
}

// ackingSender lets the server copy of a message land while its send is in
// flight, then reports the send itself as failed.
type ackingSender struct {
	db   *store.DB
	kind rpc.Kind
}

func (a *ackingSender) Send(_ context.Context, conversationID string, req wire.SendRequest) (*wire.SendResponse, error) {
	if _, err := a.db.UpsertMessage(&store.Message{ID: req.ClientMessageID, ConversationID: conversationID, SenderID: "me", Body: req.Body, Status: store.StatusSent, SentAt: 77}); err != nil {
		return nil, err
	}
	return nil, &rpc.Error{Kind: a.kind, Message: "lost response"}
}

func TestWorkerLastAttemptFailureKeepsAcknowledgedStatus(t *testing.T) {
	for _, kind := range []rpc.Kind{rpc.KindTransient, rpc.KindPermanent} {
		t.Run(kind.String(), func(t *testing.T) {
			db := testDB(t)
			b := bus.New()
			w := newTestWorker(t, db, &ackingSender{db: db, kind: kind}, b)

			ch, unsub := b.Subscribe(bus.KindMessageSendFail, 10)
			defer unsub()

			compose(t, db, "m1", "c1")
			if err := db.RecordAttempt("m1", 4, "down", time.Time{}); err != nil {
				t.Fatal(err)
			}
			w.RunOnce(context.Background())

			if s := statusOf(t, db, "m1"); s != store.StatusSent {
				t.Errorf("status = %s, want sent", s)
			}
			if _, err := db.Entry("m1"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("Entry() error = %v, want ErrNotFound", err)
			}
			if n, _ := db.PendingCount(); n != 0 {
				t.Errorf("pending = %d, want 0", n)
			}
			select {
			case evt := <-ch:
				t.Errorf("unexpected send_failed event: %#v", evt.Payload)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

type fakeUploader struct{ fail bool }

func (f *fakeUploader) Upload(_ context.Context, a store.Attachment) (string, error) {
	if f.fail {
		return "", errors.New("upload failed")
	}
	return "remote://" + a.ID, nil
}

func TestWorkerUploadsAttachments(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)
	w.SetUploader(&fakeUploader{})

	m := &store.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Type: store.TypeImage}
	if err := db.Compose(m, []store.Attachment{{ID: "a1", Kind: store.TypeImage, LocalRef: "/tmp/x.png"}}); err != nil {
		t.Fatal(err)
	}
	w.RunOnce(context.Background())

	atts, _ := db.Attachments("m1")
	if len(atts) != 1 || atts[0].RemoteRef != "remote://a1" {
		t.Errorf("attachments = %+v", atts)
	}
	if s := statusOf(t, db, "m1"); s != store.StatusSent {
		t.Errorf("status = %s, want sent", s)
	}
}

func TestWorkerWithoutUploaderFailsAttachment(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	m := &store.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Type: store.TypeFile}
	if err := db.Compose(m, []store.Attachment{{Kind: store.TypeFile, LocalRef: "/tmp/x"}}); err != nil {
		t.Fatal(err)
	}
	w.RunOnce(context.Background())

	if s := statusOf(t, db, "m1"); s != store.StatusFailed {
		t.Errorf("status = %s, want failed", s)
	}
	if c := srv.calls.Load(); c != 0 {
		t.Errorf("send calls = %d, want 0", c)
	}
}

func TestWorkerStartAndNotify(t *testing.T) {
	db := testDB(t)
	srv := newMockServer()
	w := newTestWorker(t, db, srv, nil)

	w.Start(context.Background())
	defer w.Stop()

	compose(t, db, "m1", "c1")
	w.Notify()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if statusOf(t, db, "m1") == store.StatusSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("message not sent after Notify")
}
