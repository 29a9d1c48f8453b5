package update

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
	"gopkg.in/yaml.v3"
)

// record is the file and request-body form of an update. JSON input parses
// through the same path since YAML is a superset of it.
type record struct {
	Kind    Kind      `yaml:"kind"`
	Payload yaml.Node `yaml:"payload"`
}

type messageRecord struct {
	MessageID  int64  `yaml:"message_id"`
	RandomID   int64  `yaml:"random_id"`
	ChatID     int64  `yaml:"chat_id"`
	FromID     int64  `yaml:"from_id"`
	Out        bool   `yaml:"out"`
	Text       string `yaml:"text"`
	DateMs     *int64 `yaml:"date_ms"`
	EditDateMs *int64 `yaml:"edit_date_ms"`
}

type messageIDRecord struct {
	RandomID  int64 `yaml:"random_id"`
	MessageID int64 `yaml:"message_id"`
}

type userStatusRecord struct {
	UserID       int64  `yaml:"user_id"`
	Online       string `yaml:"online"`
	LastOnlineMs *int64 `yaml:"last_online_ms"`
}

type composeRecord struct {
	ChatID int64  `yaml:"chat_id"`
	UserID int64  `yaml:"user_id"`
	Action string `yaml:"action"`
}

type deleteRecord struct {
	ChatID     int64   `yaml:"chat_id"`
	MessageIDs []int64 `yaml:"message_ids"`
}

type taskRecord struct {
	ID             int64  `yaml:"id"`
	Application    string `yaml:"application"`
	TaskID         string `yaml:"task_id"`
	Status         string `yaml:"status"`
	Title          string `yaml:"title"`
	AssignedUserID int64  `yaml:"assigned_user_id"`
	URL            string `yaml:"url"`
	Number         string `yaml:"number"`
	DateMs         *int64 `yaml:"date_ms"`
}

type attachmentRecord struct {
	ID           int64       `yaml:"id"`
	MessageID    int64       `yaml:"message_id"`
	ChatID       int64       `yaml:"chat_id"`
	ExternalTask *taskRecord `yaml:"external_task"`
}

type reactionRecord struct {
	MessageID int64  `yaml:"message_id"`
	ChatID    int64  `yaml:"chat_id"`
	UserID    int64  `yaml:"user_id"`
	Emoji     string `yaml:"emoji"`
	DateMs    *int64 `yaml:"date_ms"`
}

type sendFailedRecord struct {
	RandomID int64  `yaml:"random_id"`
	Reason   string `yaml:"reason"`
}

// DecodeBatch reads a YAML or JSON list of {kind, payload} records. A record
// whose payload does not decode, including one with an unknown field, keeps
// its Kind with no payload, so the engine skips it as malformed instead of
// the whole batch failing here.
func DecodeBatch(r io.Reader) ([]Update, error) {
	var recs []record
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&recs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	out := make([]Update, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].update())
	}
	return out, nil
}

func (rec *record) update() Update {
	u := Update{Kind: rec.Kind}
	if rec.Payload.Kind == 0 {
		return u
	}
	switch rec.Kind {
	case KindNewMessage, KindEditMessage:
		var m messageRecord
		if decodePayload(&rec.Payload, &m) != nil {
			return u
		}
		msg := &Message{
			MessageID: m.MessageID,
			RandomID:  m.RandomID,
			ChatID:    m.ChatID,
			FromID:    m.FromID,
			Out:       m.Out,
			Text:      m.Text,
			Date:      millis(m.DateMs),
			EditDate:  millis(m.EditDateMs),
		}
		if rec.Kind == KindNewMessage {
			u.NewMessage = msg
		} else {
			u.EditMessage = msg
		}
	case KindMessageID:
		var m messageIDRecord
		if decodePayload(&rec.Payload, &m) != nil {
			return u
		}
		u.MessageID = &MessageID{RandomID: m.RandomID, MessageID: m.MessageID}
	case KindUserStatus:
		var s userStatusRecord
		if decodePayload(&rec.Payload, &s) != nil {
			return u
		}
		u.UserStatus = &UserStatus{UserID: s.UserID, Online: parseOnline(s.Online), LastOnline: millis(s.LastOnlineMs)}
	case KindComposeAction:
		var c composeRecord
		if decodePayload(&rec.Payload, &c) != nil {
			return u
		}
		u.ComposeAction = &ComposeAction{ChatID: c.ChatID, UserID: c.UserID, Action: c.Action}
	case KindDeleteMessages:
		var d deleteRecord
		if decodePayload(&rec.Payload, &d) != nil {
			return u
		}
		u.DeleteMessages = &DeleteMessages{ChatID: d.ChatID, MessageIDs: d.MessageIDs}
	case KindMessageAttachment:
		var a attachmentRecord
		if decodePayload(&rec.Payload, &a) != nil {
			return u
		}
		att := &MessageAttachment{ID: a.ID, MessageID: a.MessageID, ChatID: a.ChatID}
		if t := a.ExternalTask; t != nil {
			att.ExternalTask = &ExternalTask{
				ID:             t.ID,
				Application:    t.Application,
				TaskID:         t.TaskID,
				Status:         t.Status,
				Title:          t.Title,
				AssignedUserID: t.AssignedUserID,
				URL:            t.URL,
				Number:         t.Number,
				Date:           millis(t.DateMs),
			}
		}
		u.MessageAttachment = att
	case KindReaction:
		var r reactionRecord
		if decodePayload(&rec.Payload, &r) != nil {
			return u
		}
		u.Reaction = &Reaction{MessageID: r.MessageID, ChatID: r.ChatID, UserID: r.UserID, Emoji: r.Emoji, Date: millis(r.DateMs)}
	case KindDeleteReaction:
		var r reactionRecord
		if decodePayload(&rec.Payload, &r) != nil {
			return u
		}
		u.DeleteReaction = &DeleteReaction{MessageID: r.MessageID, ChatID: r.ChatID, Emoji: r.Emoji}
	case KindSendFailed:
		var f sendFailedRecord
		if decodePayload(&rec.Payload, &f) != nil {
			return u
		}
		u.SendFailed = &SendFailed{RandomID: f.RandomID, Reason: f.Reason}
	}
	return u
}

// decodePayload decodes a payload node with the same strictness as the
// batch: Node.Decode does not inherit KnownFields, so a misspelt payload
// field would otherwise vanish without an error.
func decodePayload(node *yaml.Node, v any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func parseOnline(s string) OnlineState {
	switch s {
	case "online":
		return Online
	case "offline":
		return Offline
	default:
		return OnlineUnknown
	}
}

func millis(ms *int64) *timestamppb.Timestamp {
	if ms == nil {
		return nil
	}
	return timestamppb.New(time.UnixMilli(*ms))
}
