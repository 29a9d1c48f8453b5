// Package update defines the typed realtime update events the engine applies.
// Each Update carries a discriminant Kind and exactly one kind-specific
// payload; ids are 64-bit and timestamps use protobuf Timestamps so an absent
// value is nil rather than a zero sentinel.
package update

import "google.golang.org/protobuf/types/known/timestamppb"

// Kind is the discriminant tag of an update.
type Kind string

const (
	KindNewMessage        Kind = "new_message"
	KindMessageID         Kind = "update_message_id"
	KindUserStatus        Kind = "update_user_status"
	KindComposeAction     Kind = "update_compose_action"
	KindDeleteMessages    Kind = "delete_messages"
	KindMessageAttachment Kind = "message_attachment"
	KindReaction          Kind = "update_reaction"
	KindDeleteReaction    Kind = "delete_reaction"
	KindEditMessage       Kind = "edit_message"

	// KindSendFailed is produced locally by the outbox, never by the server.
	KindSendFailed Kind = "send_failed"
)

// Update is one event of a batch. Only the payload matching Kind is set.
type Update struct {
	Kind Kind

	NewMessage        *Message
	MessageID         *MessageID
	UserStatus        *UserStatus
	ComposeAction     *ComposeAction
	DeleteMessages    *DeleteMessages
	MessageAttachment *MessageAttachment
	Reaction          *Reaction
	DeleteReaction    *DeleteReaction
	EditMessage       *Message
	SendFailed        *SendFailed
}

// Message is the wire form of a message. MessageID is the permanent id and
// RandomID the sending client's token; a pending message has only RandomID.
type Message struct {
	MessageID int64
	RandomID  int64
	ChatID    int64
	FromID    int64
	Out       bool
	Text      string
	Date      *timestamppb.Timestamp
	EditDate  *timestamppb.Timestamp
}

// MessageID confirms a pending message under its permanent id.
type MessageID struct {
	RandomID  int64
	MessageID int64
}

// OnlineState is the tri-state online flag of a user.
type OnlineState int32

const (
	OnlineUnknown OnlineState = 0
	Online        OnlineState = 1
	Offline       OnlineState = 2
)

// UserStatus reports a user's presence.
type UserStatus struct {
	UserID     int64
	Online     OnlineState
	LastOnline *timestamppb.Timestamp
}

// ComposeAction reports what a user is doing in a chat. An empty or unknown
// action cancels the previous one.
type ComposeAction struct {
	ChatID int64
	UserID int64
	Action string
}

// DeleteMessages removes messages from a chat, applied in the given order.
type DeleteMessages struct {
	ChatID     int64
	MessageIDs []int64
}

// ExternalTask is a task from an external tracker.
type ExternalTask struct {
	ID             int64
	Application    string
	TaskID         string
	Status         string
	Title          string
	AssignedUserID int64
	URL            string
	Number         string
	Date           *timestamppb.Timestamp
}

// MessageAttachment attaches a payload to a confirmed message. ExternalTask
// is the only supported payload; nil means an unsupported attachment type.
type MessageAttachment struct {
	ID           int64
	MessageID    int64
	ChatID       int64
	ExternalTask *ExternalTask
}

// Reaction adds an emoji reaction of a user to a message.
type Reaction struct {
	MessageID int64
	ChatID    int64
	UserID    int64
	Emoji     string
	Date      *timestamppb.Timestamp
}

// DeleteReaction removes the current user's emoji reaction from a message.
type DeleteReaction struct {
	MessageID int64
	ChatID    int64
	Emoji     string
}

// SendFailed marks a pending outbound message as failed.
type SendFailed struct {
	RandomID int64
	Reason   string
}

// NewMessage wraps a new-message payload.
func NewMessage(m *Message) Update {
	return Update{Kind: KindNewMessage, NewMessage: m}
}

// EditMessage wraps an edit payload.
func EditMessage(m *Message) Update {
	return Update{Kind: KindEditMessage, EditMessage: m}
}

// ConfirmID wraps an id reassignment.
func ConfirmID(randomID, messageID int64) Update {
	return Update{Kind: KindMessageID, MessageID: &MessageID{RandomID: randomID, MessageID: messageID}}
}

// Status wraps a user status payload.
func Status(s *UserStatus) Update {
	return Update{Kind: KindUserStatus, UserStatus: s}
}

// Compose wraps a compose action payload.
func Compose(a *ComposeAction) Update {
	return Update{Kind: KindComposeAction, ComposeAction: a}
}

// Delete wraps a delete-messages payload.
func Delete(chatID int64, ids ...int64) Update {
	return Update{Kind: KindDeleteMessages, DeleteMessages: &DeleteMessages{ChatID: chatID, MessageIDs: ids}}
}

// Attach wraps an attachment payload.
func Attach(a *MessageAttachment) Update {
	return Update{Kind: KindMessageAttachment, MessageAttachment: a}
}

// React wraps a reaction payload.
func React(r *Reaction) Update {
	return Update{Kind: KindReaction, Reaction: r}
}

// Unreact wraps a reaction removal.
func Unreact(messageID, chatID int64, emoji string) Update {
	return Update{Kind: KindDeleteReaction, DeleteReaction: &DeleteReaction{MessageID: messageID, ChatID: chatID, Emoji: emoji}}
}

// Failed wraps a local send failure.
func Failed(randomID int64, reason string) Update {
	return Update{Kind: KindSendFailed, SendFailed: &SendFailed{RandomID: randomID, Reason: reason}}
}
