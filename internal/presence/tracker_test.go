package presence

import (
	"testing"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReplacesPriorEntry(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set(1, 10, ActionTyping)
	tr.Set(1, 10, ActionUploadingPhoto)

	entries := tr.List(1)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionUploadingPhoto, entries[0].Action)
}

func TestApplyUnknownActionClears(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(1, 10, ActionTyping)
	tr.Apply(1, 10, "dancing")

	_, ok := tr.Get(1, 10)
	assert.False(t, ok)
	assert.Empty(t, tr.List(1))
}

func TestApplyEmptyActionClears(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(1, 10, ActionUploadingVideo)
	tr.Apply(1, 10, "")

	assert.Empty(t, tr.List(1))
}

func TestListScopedToChat(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set(1, 12, ActionTyping)
	tr.Set(1, 11, ActionUploadingDocument)
	tr.Set(2, 10, ActionTyping)

	entries := tr.List(1)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(11), entries[0].UserID)
	assert.Equal(t, int64(12), entries[1].UserID)
	assert.Len(t, tr.List(2), 1)
	assert.Empty(t, tr.List(3))
}

func TestPublishesPresenceChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr := NewTracker(b)
	tr.Apply(5, 7, ActionTyping)
	tr.Clear(5, 7)
	tr.Clear(5, 7) // nothing left to clear

	want := []bus.PresenceChange{
		{ChatID: 5, UserID: 7, Action: ActionTyping},
		{ChatID: 5, UserID: 7},
	}
	for i, w := range want {
		select {
		case evt := <-ch:
			assert.Equal(t, bus.KindPresenceChanged, evt.Kind)
			assert.Equal(t, w, evt.Payload, "event %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
