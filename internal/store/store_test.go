package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/courier/internal/bus"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedMessage(t *testing.T, db *DB, id, conv string, status Status) *Message {
	t.Helper()
	m := &Message{ID: id, ConversationID: conv, SenderID: "me", Body: "body " + id, Type: TypeText, Status: status}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func mustStatus(t *testing.T, db *DB, id string, want Status) {
	t.Helper()
	m, err := db.GetMessage(id)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != want {
		t.Errorf("status of %s = %s, want %s", id, m.Status, want)
	}
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (messages + outbox)", result.Version)
	}
}

func TestMigrateRefusesDirtyDatabase(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err == nil {
		t.Fatal("Migrate() on a dirty database should fail")
	}
}

func TestAttachmentRequiresReference(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusQueued)

	err := db.AddAttachment(&Attachment{MessageID: "m1", Kind: TypeImage})
	if !errors.Is(err, ErrNoReference) {
		t.Fatalf("AddAttachment() error = %v, want ErrNoReference", err)
	}

	// The table constraint holds even when the Go check is bypassed.
	_, err = db.Exec(`INSERT INTO attachments (id, message_id, kind) VALUES ('a1', 'm1', 'image')`)
	if err == nil {
		t.Fatal("insert without references should violate CHECK constraint")
	}
}

func TestAttachmentsCascadeOnDelete(t *testing.T) {
	db := testDB(t)
	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "me", Type: TypeImage}
	atts := []Attachment{{Kind: TypeImage, MimeType: "image/png", LocalRef: "/tmp/a.png", Width: 10, Height: 20}}
	if err := db.Compose(m, atts); err != nil {
		t.Fatal(err)
	}

	got, err := db.Attachments("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID == "" || got[0].Width != 10 {
		t.Fatalf("attachments = %+v", got)
	}
	if err := db.SetAttachmentRemote(got[0].ID, "remote://a"); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}
	got, err = db.Attachments("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d attachments after delete, want 0", len(got))
	}
	if _, err := db.Entry("m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("outbox entry after delete: err = %v, want ErrNotFound", err)
	}
}

func TestComposeIsAtomic(t *testing.T) {
	db := testDB(t)

	// The invalid attachment aborts the whole transaction.
	m := &Message{ID: "m1", ConversationID: "c1", SenderID: "me"}
	err := db.Compose(m, []Attachment{{Kind: TypeFile}})
	if err == nil {
		t.Fatal("Compose() with invalid attachment should fail")
	}
	if _, err := db.GetMessage("m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("message exists after failed compose: %v", err)
	}
	n, err := db.PendingCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pending = %d after failed compose, want 0", n)
	}
}

func TestListByConversationOrder(t *testing.T) {
	db := testDB(t)
	for i, id := range []string{"b", "a", "c"} {
		m := &Message{ID: id, ConversationID: "c1", SenderID: "me", CreatedAt: int64(1000 + i)}
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	seedMessage(t, db, "other", "c2", StatusQueued)

	msgs, err := db.ListByConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"b", "a", "c"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusQueued)

	steps := []struct {
		to          Status
		wantChanged bool
		want        Status
	}{
		{StatusSending, true, StatusSending},
		{StatusQueued, true, StatusQueued},
		{StatusSending, true, StatusSending},
		{StatusSent, true, StatusSent},
		{StatusQueued, false, StatusSent},
		{StatusSending, false, StatusSent},
	}
	for _, s := range steps {
		changed, err := db.UpdateStatus("m1", s.to, 0)
		if err != nil {
			t.Fatal(err)
		}
		if changed != s.wantChanged {
			t.Errorf("UpdateStatus(%s) changed = %v, want %v", s.to, changed, s.wantChanged)
		}
		mustStatus(t, db, "m1", s.want)
	}

	if _, err := db.UpdateStatus("missing", StatusSent, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLateSentNeverRegresses(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSending)

	if _, err := db.MarkRead([]string{"m1"}); err != nil {
		t.Fatal(err)
	}
	changed, err := db.UpdateStatus("m1", StatusSent, 4242)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("late sent should still fill in sent_at")
	}
	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusRead {
		t.Errorf("status = %s, want read", m.Status)
	}
	if m.SentAt != 4242 {
		t.Errorf("sent_at = %d, want 4242", m.SentAt)
	}
}

func TestFailedIsRetriableButReadIsNot(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSending)
	seedMessage(t, db, "m2", "c1", StatusRead)

	if _, err := db.UpdateStatus("m1", StatusFailed, 0); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, db, "m1", StatusFailed)
	if _, err := db.UpdateStatus("m1", StatusQueued, 0); err != nil {
		t.Fatal(err)
	}
	mustStatus(t, db, "m1", StatusQueued)

	changed, err := db.UpdateStatus("m2", StatusFailed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("read message must not become failed")
	}
}

func TestReceiptsAreMonotonic(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSent)
	seedMessage(t, db, "m2", "c1", StatusSent)

	// read before delivered jumps straight to read.
	changed, err := db.MarkRead([]string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 {
		t.Errorf("MarkRead changed %v, want [m1]", changed)
	}
	changed, err = db.MarkDelivered([]string{"m1", "m2", "m2", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "m2" {
		t.Errorf("MarkDelivered changed %v, want [m2]", changed)
	}
	mustStatus(t, db, "m1", StatusRead)
	mustStatus(t, db, "m2", StatusDelivered)

	// Re-applying is a no-op.
	changed, err = db.MarkRead([]string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 0 {
		t.Errorf("second MarkRead changed %v, want none", changed)
	}
}

func TestUpsertEchoMergesOwnSend(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSending)

	changed, err := db.UpsertMessage(&Message{
		ID: "m1", ConversationID: "c1", SenderID: "me", Body: "server body",
		Type: TypeText, Status: StatusSent, SentAt: 5000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("echo should change the local row")
	}
	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != StatusSent || m.SentAt != 5000 || m.Body != "server body" {
		t.Errorf("merged = %+v", m)
	}
}

func TestUpsertNeverLowersStatus(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSent)
	if _, err := db.MarkRead([]string{"m1"}); err != nil {
		t.Fatal(err)
	}

	stale := &Message{ID: "m1", ConversationID: "c1", SenderID: "me", Body: "body m1", Type: TypeText, Status: StatusDelivered}
	changed, err := db.UpsertMessage(stale)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("stale upsert should not change the row")
	}
	mustStatus(t, db, "m1", StatusRead)
}

func TestUpsertInsertsInbound(t *testing.T) {
	db := testDB(t)

	in := &Message{ID: "in1", ConversationID: "c1", SenderID: "bob", Body: "hi", Type: TypeText, SentAt: 1000, CreatedAt: 1000}
	if _, err := db.UpsertMessage(in); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	changed, err := db.UpsertMessage(in)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("replaying the same inbound message should not change anything")
	}
	mustStatus(t, db, "in1", StatusSent)
}

func TestUpsertPartialUpdateKeepsTypeAndReply(t *testing.T) {
	db := testDB(t)
	if err := db.InsertMessage(&Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Type: TypeImage, ReplyTo: "m0", Status: StatusDelivered}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.UpsertMessage(&Message{ID: "m1", ConversationID: "c1", Body: "caption", Edited: true}); err != nil {
		t.Fatal(err)
	}
	m, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != TypeImage {
		t.Errorf("type = %s, want image", m.Type)
	}
	if m.ReplyTo != "m0" {
		t.Errorf("reply_to = %q, want m0", m.ReplyTo)
	}
	if m.Body != "caption" || !m.Edited {
		t.Errorf("after update = %+v", m)
	}
	mustStatus(t, db, "m1", StatusDelivered)
}

func TestMarkFailedLeavesAcknowledgedAlone(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "out", "c1", StatusSending)
	seedMessage(t, db, "acked", "c1", StatusSent)

	changed, err := db.MarkFailed("out")
	if err != nil || !changed {
		t.Fatalf("MarkFailed(out) = %v, %v; want true, nil", changed, err)
	}
	mustStatus(t, db, "out", StatusFailed)

	changed, err = db.MarkFailed("acked")
	if err != nil || changed {
		t.Fatalf("MarkFailed(acked) = %v, %v; want false, nil", changed, err)
	}
	mustStatus(t, db, "acked", StatusSent)

	if changed, err := db.MarkFailed("missing"); err != nil || changed {
		t.Errorf("MarkFailed(missing) = %v, %v; want false, nil", changed, err)
	}
}

func TestEditAndDelete(t *testing.T) {
	db := testDB(t)
	seedMessage(t, db, "m1", "c1", StatusSent)

	if err := db.MarkEdited("m1", "edited body"); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("m1")
	if !m.Edited || m.Body != "edited body" {
		t.Errorf("after edit = %+v", m)
	}

	if err := db.MarkDeleted("m1"); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage("m1")
	if !m.Deleted || m.Body != "" {
		t.Errorf("after delete = %+v", m)
	}

	if err := db.MarkEdited("m1", "again"); !errors.Is(err, ErrNotFound) {
		t.Errorf("editing a deleted message: err = %v, want ErrNotFound", err)
	}
	if err := db.MarkDeleted("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDeleted(missing) err = %v, want ErrNotFound", err)
	}
}

func TestChangeNotifications(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	db.AttachBus(b)
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	seedMessage(t, db, "m1", "c1", StatusSent)

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type = %T, want Change", evt.Payload)
		}
		if change.ConversationID != "c1" || len(change.MessageIDs) != 1 || change.MessageIDs[0] != "m1" {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	// No-op updates stay silent.
	if _, err := db.MarkDelivered([]string{"m1"}); err != nil {
		t.Fatal(err)
	}
	<-ch
	if _, err := db.MarkDelivered([]string{"m1"}); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected notification %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
