package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("engine.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindEngineStatus, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindEngineStatus {
			t.Errorf("got kind %q, want %s", evt.Kind, KindEngineStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("change.message.", 10)
	defer unsub()

	b.Publish(Event{Kind: "change.chat.updated"})
	b.Publish(Event{Kind: "change.message.inserted"})

	select {
	case evt := <-ch:
		if evt.Kind != "change.message.inserted" {
			t.Errorf("got kind %q, want change.message.inserted", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure chat event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("engine.", 10)
	unsub()

	b.Publish(Event{Kind: KindEngineStatus})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received event after unsubscribe: %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestChangeKind(t *testing.T) {
	c := Change{Entity: EntityReaction, Op: OpDeleted}
	if got := c.Kind(); got != "change.reaction.deleted" {
		t.Errorf("Kind() = %q", got)
	}
}

func TestHandleIsolatesFailures(t *testing.T) {
	b := New()
	defer b.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	stopPanic := b.Handle("panicky", NamespaceChange, 10, func(Event) error {
		panic("boom")
	})
	defer stopPanic()
	stopErr := b.Handle("erroring", NamespaceChange, 10, func(Event) error {
		return errors.New("nope")
	})
	defer stopErr()
	stopOK := b.Handle("healthy", NamespaceChange, 10, func(evt Event) error {
		mu.Lock()
		got = append(got, evt.Kind)
		mu.Unlock()
		return nil
	})

	b.Publish(Event{Kind: "change.chat.updated"})
	b.Publish(Event{Kind: "change.message.inserted"})
	stopOK()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "change.chat.updated" || got[1] != "change.message.inserted" {
		t.Fatalf("healthy handler got %v", got)
	}

	deadline := time.Now().Add(time.Second)
	for b.Failures() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.Failures(); n != 4 {
		t.Errorf("Failures() = %d, want 4", n)
	}
}

func TestCloseStopsHandlers(t *testing.T) {
	b := New()
	calls := 0
	b.Handle("counter", "x.", 1, func(Event) error {
		calls++
		return nil
	})
	b.Publish(Event{Kind: "x.one"})
	b.Close()

	b.Publish(Event{Kind: "x.two"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	ch, _ := b.Subscribe("x.", 1)
	if _, ok := <-ch; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
}
