package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/store"
	intsync "github.com/matheus3301/inline/internal/sync"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
)

// mockTransport records calls and returns configurable results.
type mockTransport struct {
	mu        gosync.Mutex
	calls     []sendCall
	messageID int64
	err       error
	delay     time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	ChatID   int64
	RandomID int64
	Text     string
}

func (m *mockTransport) SendText(_ context.Context, chatID, randomID int64, text string) (int64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{ChatID: chatID, RandomID: randomID, Text: text})
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.err != nil {
		return 0, m.err
	}
	return m.messageID, nil
}

func (m *mockTransport) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

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

func testEngine(t *testing.T, db *store.DB, b *bus.Bus) *intsync.Engine {
	t.Helper()
	e := intsync.NewEngine(db, b, nil, intsync.StaticUser(1), zap.NewNop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e
}

func TestNewRandomIDPositive(t *testing.T) {
	seen := make(map[int64]bool)
	for range 1000 {
		id := NewRandomID()
		if id <= 0 {
			t.Fatalf("random id %d not positive", id)
		}
		if seen[id] {
			t.Fatalf("duplicate random id %d", id)
		}
		seen[id] = true
	}
}

func TestQueueValidates(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, nil, &mockTransport{}, nil, nil)
	if _, err := s.Queue(0, "hi"); err == nil {
		t.Error("Queue without chat should fail")
	}
	if _, err := s.Queue(7, ""); err == nil {
		t.Error("Queue with empty text should fail")
	}
}

func TestSenderConfirmsSentMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	defer b.Close()
	mock := &mockTransport{messageID: 100}
	s := NewSender(db, testEngine(t, db, b), mock, b, nil, WithUserID(1))

	randomID, err := s.Queue(7, "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	if mock.callCount() != 1 {
		t.Fatalf("got %d send calls, want 1", mock.callCount())
	}
	if c := mock.calls[0]; c.ChatID != 7 || c.RandomID != randomID || c.Text != "hello" {
		t.Errorf("call = %+v", c)
	}

	msg, err := db.GetMessage(store.Confirmed(100))
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil {
		t.Fatal("confirmed message not found")
	}
	if msg.Status != store.StatusSent || !msg.Out || msg.FromID != 1 {
		t.Errorf("message = %+v", msg)
	}

	entry, err := db.GetOutbox(randomID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "sent" || entry.MessageID == nil || *entry.MessageID != 100 {
		t.Errorf("outbox entry = %+v, want sent with message id 100", entry)
	}

	chat, err := db.GetChat(7)
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastMsg == nil || chat.LastMsg.String() != "100" {
		t.Errorf("last message = %v, want 100", chat.LastMsg)
	}
}

func TestSenderMarksFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	defer b.Close()
	mock := &mockTransport{err: fmt.Errorf("network error")}
	s := NewSender(db, testEngine(t, db, b), mock, b, nil)

	randomID, err := s.Queue(7, "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	msg, err := db.GetMessage(store.Pending(randomID))
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Status != store.StatusFailed {
		t.Fatalf("message = %+v, want failed pending message", msg)
	}

	// Verify outbox entry is no longer pending (marked failed).
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
	entry, err := db.GetOutbox(randomID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "failed" || entry.ErrorMessage != "network error" {
		t.Errorf("outbox entry = %+v", entry)
	}
}

// TestSenderOptimisticInsert verifies the pending message exists before the
// transport returns.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	defer b.Close()
	mock := &mockTransport{messageID: 100, delay: 300 * time.Millisecond}
	s := NewSender(db, testEngine(t, db, b), mock, b, nil, WithPollInterval(20*time.Millisecond))

	ch, unsub := b.Subscribe("change.message.inserted", 10)
	defer unsub()

	randomID, err := s.Queue(7, "optimistic")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		c := evt.Payload.(bus.Change)
		if len(c.RandomIDs) != 1 || c.RandomIDs[0] != randomID {
			t.Errorf("change = %+v, want pending %d", c, randomID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for optimistic insert")
	}

	// Message is still pending while the transport sleeps.
	msg, err := db.GetMessage(store.Pending(randomID))
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Status != store.StatusPending || msg.Text != "optimistic" {
		t.Fatalf("message = %+v, want pending optimistic row", msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, _ := db.GetMessage(store.Confirmed(100)); m != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("message never confirmed")
}

// TestHandedOffMessageConfirmedLater covers a transport that does not know
// the permanent id: the confirmation arrives as a separate update.
func TestHandedOffMessageConfirmedLater(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	defer b.Close()
	engine := testEngine(t, db, b)
	s := NewSender(db, engine, Handoff{}, b, nil, WithPollInterval(time.Hour))
	s.Start(context.Background())
	defer s.Stop()

	randomID, err := s.Queue(7, "later")
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	entry, err := db.GetOutbox(randomID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "handed_off" {
		t.Fatalf("outbox status = %q, want handed_off", entry.Status)
	}

	if err := engine.Apply(context.Background(), update.ConfirmID(randomID, 555)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err = db.GetOutbox(randomID)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Status == "sent" {
			if entry.MessageID == nil || *entry.MessageID != 555 {
				t.Errorf("message id = %v, want 555", entry.MessageID)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("outbox entry = %+v, want sent", entry)
}
