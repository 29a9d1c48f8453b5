package store

import "time"

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Chat represents a synced chat.
type Chat struct {
	ID          int64
	Title       string
	SpaceID     *int64
	Emoji       string
	UnreadCount int

	// LastMsgLocalID is the local row key of the most recent message by
	// delivery order. LastMsg is its identity, resolved on read.
	LastMsgLocalID *int64
	LastMsg        *Identity
}

// Message represents a synced message. LocalID orders messages by delivery
// and is assigned once, on first insert.
type Message struct {
	LocalID  int64
	Identity Identity
	ChatID   int64
	FromID   int64
	Out      bool
	Status   MessageStatus
	Text     string
	Date     time.Time
	EditDate time.Time
}

// Dialog is the user's per-chat view state.
type Dialog struct {
	ChatID      int64
	UnreadCount int
}

// User holds the presence-related attributes of a user. Online is nil when
// the status is unknown.
type User struct {
	ID         int64
	Online     *bool
	LastOnline *time.Time
}

// Reaction is one emoji reaction of a user on a message.
type Reaction struct {
	MessageID int64
	ChatID    int64
	UserID    int64
	Emoji     string
	Date      time.Time
}

// ExternalTask is a task from an external tracker attached to a message.
type ExternalTask struct {
	ID             int64
	Application    string
	TaskID         string
	Status         string
	Title          string
	AssignedUserID *int64
	URL            string
	Number         string
	Date           time.Time
}

// Attachment links an attachment payload to a confirmed message.
type Attachment struct {
	ID             int64
	MessageID      int64
	ExternalTaskID *int64
	ExternalTask   *ExternalTask
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	RandomID     int64
	ChatID       int64
	Text         string
	Status       string // queued, sending, handed_off, sent, failed
	ErrorMessage string
	MessageID    *int64
}
