package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds outside the change namespace.
const (
	KindPresenceChanged = "presence.changed"
	KindEngineStatus    = "engine.status_changed"
)

// NamespaceChange prefixes every committed store change.
const NamespaceChange = "change."

// Entity names a kind of stored entity in a Change.
type Entity string

const (
	EntityChat       Entity = "chat"
	EntityMessage    Entity = "message"
	EntityDialog     Entity = "dialog"
	EntityUser       Entity = "user"
	EntityReaction   Entity = "reaction"
	EntityAttachment Entity = "attachment"
)

// Op is what happened to the entities of a Change.
type Op string

const (
	OpInserted Op = "inserted"
	OpUpdated  Op = "updated"
	OpDeleted  Op = "deleted"
)

// Change describes a committed store change. IDs are permanent ids of the
// affected entities; pending messages are listed in RandomIDs instead. A
// confirmation lists the new permanent id in IDs and the retired random id
// in RandomIDs.
type Change struct {
	Entity    Entity  `json:"entity"`
	Op        Op      `json:"op"`
	ChatID    int64   `json:"chat_id,omitempty"`
	IDs       []int64 `json:"ids,omitempty"`
	RandomIDs []int64 `json:"random_ids,omitempty"`
}

// Kind returns the event kind the change is published under, e.g.
// "change.message.inserted".
func (c Change) Kind() string {
	return NamespaceChange + string(c.Entity) + "." + string(c.Op)
}

// PresenceChange is the payload of presence.changed. An empty Action means
// the entry was cleared.
type PresenceChange struct {
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Action string `json:"action,omitempty"`
}
