// Package presence tracks ephemeral compose indicators (typing, uploading)
// per chat and user. Entries are never persisted and never expire on a
// timer; a cancel or superseding action replaces them.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/inline/internal/bus"
)

// Recognised compose actions.
const (
	ActionTyping            = "typing"
	ActionUploadingDocument = "uploading_document"
	ActionUploadingPhoto    = "uploading_photo"
	ActionUploadingVideo    = "uploading_video"
)

// Known reports whether action is a recognised compose action.
func Known(action string) bool {
	switch action {
	case ActionTyping, ActionUploadingDocument, ActionUploadingPhoto, ActionUploadingVideo:
		return true
	}
	return false
}

type key struct {
	chatID int64
	userID int64
}

// Entry is one active presence indicator.
type Entry struct {
	ChatID int64
	UserID int64
	Action string
	Since  time.Time
}

// Tracker holds at most one entry per (chat, user).
type Tracker struct {
	mu      sync.Mutex
	entries map[key]Entry
	bus     *bus.Bus
}

// NewTracker creates an empty tracker. b may be nil.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		entries: make(map[key]Entry),
		bus:     b,
	}
}

// Set records action for the user in the chat, replacing any prior entry.
func (t *Tracker) Set(chatID, userID int64, action string) {
	t.mu.Lock()
	t.entries[key{chatID, userID}] = Entry{ChatID: chatID, UserID: userID, Action: action, Since: time.Now()}
	t.mu.Unlock()
	t.publish(chatID, userID, action)
}

// Clear removes the user's entry in the chat. Clearing an absent entry
// publishes nothing.
func (t *Tracker) Clear(chatID, userID int64) {
	k := key{chatID, userID}
	t.mu.Lock()
	_, ok := t.entries[k]
	delete(t.entries, k)
	t.mu.Unlock()
	if ok {
		t.publish(chatID, userID, "")
	}
}

// Apply sets a recognised action and treats anything else as a clear.
func (t *Tracker) Apply(chatID, userID int64, action string) {
	if Known(action) {
		t.Set(chatID, userID, action)
		return
	}
	t.Clear(chatID, userID)
}

// Get returns the user's entry in the chat.
func (t *Tracker) Get(chatID, userID int64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key{chatID, userID}]
	return e, ok
}

// List returns the active entries of a chat ordered by user id.
func (t *Tracker) List(chatID int64) []Entry {
	t.mu.Lock()
	var out []Entry
	for k, e := range t.entries {
		if k.chatID == chatID {
			out = append(out, e)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) publish(chatID, userID int64, action string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.Event{
		Kind:      bus.KindPresenceChanged,
		Timestamp: time.Now(),
		Payload:   bus.PresenceChange{ChatID: chatID, UserID: userID, Action: action},
	})
}
