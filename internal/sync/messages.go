package sync

import (
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/store"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func checkTime(field string, ts *timestamppb.Timestamp) error {
	if ts == nil {
		return nil
	}
	if err := ts.CheckValid(); err != nil {
		return malformed("%s: %v", field, err)
	}
	return nil
}

func asTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}

func checkMessage(m *update.Message) error {
	if m == nil {
		return malformed("missing message payload")
	}
	if m.ChatID == 0 {
		return malformed("message without chat id")
	}
	if m.MessageID == 0 && m.RandomID == 0 {
		return malformed("message without message id or random id")
	}
	if err := checkTime("date", m.Date); err != nil {
		return err
	}
	return checkTime("edit_date", m.EditDate)
}

// messageChange builds the change for one message row.
func messageChange(op bus.Op, m *store.Message) bus.Change {
	c := bus.Change{Entity: bus.EntityMessage, Op: op, ChatID: m.ChatID}
	if id, ok := m.Identity.MessageID(); ok {
		c.IDs = []int64{id}
	} else if rid, ok := m.Identity.RandomID(); ok {
		c.RandomIDs = []int64{rid}
	}
	return c
}

// advancePointer moves the chat's last-message pointer to localID when it
// is newer by delivery order than the current one.
func advancePointer(b *batch, chatID, localID int64) error {
	cur, _, err := b.tx.ChatLastMessage(chatID)
	if err != nil {
		return err
	}
	if cur != nil && *cur >= localID {
		return nil
	}
	if err := b.tx.SetChatLastMessage(chatID, &localID); err != nil {
		return err
	}
	b.change(bus.Change{Entity: bus.EntityChat, Op: bus.OpUpdated, ChatID: chatID, IDs: []int64{chatID}})
	return nil
}

func (e *Engine) inbound(m *update.Message) bool {
	if m.Out {
		return false
	}
	me, ok := e.me.CurrentUserID()
	return !ok || m.FromID != me
}

func (e *Engine) applyNewMessage(b *batch, m *update.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}

	row := &store.Message{
		ChatID:   m.ChatID,
		FromID:   m.FromID,
		Out:      m.Out,
		Text:     m.Text,
		Date:     asTime(m.Date),
		EditDate: asTime(m.EditDate),
	}
	if m.MessageID != 0 {
		row.Identity = store.Confirmed(m.MessageID)
		row.Status = store.StatusSent
		// The server echo of our own send can overtake the id reassignment.
		// Confirm the pending row instead of inserting a duplicate.
		if m.RandomID != 0 {
			if err := e.confirmEcho(b, m); err != nil {
				return err
			}
		}
	} else {
		row.Identity = store.Pending(m.RandomID)
		row.Status = store.StatusPending
		existing, err := b.tx.MessageByRandomID(m.RandomID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == store.StatusFailed {
			row.Status = store.StatusFailed
		}
	}

	if err := b.tx.EnsureChat(m.ChatID); err != nil {
		return err
	}
	inserted, err := b.tx.UpsertMessage(row)
	if err != nil {
		return err
	}
	if inserted {
		b.change(messageChange(bus.OpInserted, row))
	} else {
		b.change(messageChange(bus.OpUpdated, row))
	}

	if err := advancePointer(b, row.ChatID, row.LocalID); err != nil {
		return err
	}

	if inserted && e.inbound(m) {
		if err := b.tx.IncrementUnread(row.ChatID); err != nil {
			return err
		}
		b.change(bus.Change{Entity: bus.EntityDialog, Op: bus.OpUpdated, ChatID: row.ChatID, IDs: []int64{row.ChatID}})
	}
	return nil
}

func (e *Engine) confirmEcho(b *batch, m *update.Message) error {
	confirmed, err := b.tx.MessageByID(m.MessageID)
	if err != nil || confirmed != nil {
		return err
	}
	pending, err := b.tx.MessageByRandomID(m.RandomID)
	if err != nil || pending == nil {
		return err
	}
	return e.confirm(b, pending, m.MessageID)
}

// confirm performs the Pending to Confirmed transition of a stored row.
func (e *Engine) confirm(b *batch, pending *store.Message, messageID int64) error {
	randomID, _ := pending.Identity.RandomID()
	ok, err := b.tx.ConfirmMessage(pending.LocalID, messageID)
	if err != nil {
		return err
	}
	if !ok {
		b.log.Debug("permanent id already stored, reassignment ignored",
			zap.Int64("random_id", randomID),
			zap.Int64("message_id", messageID))
		return nil
	}
	b.change(bus.Change{
		Entity:    bus.EntityMessage,
		Op:        bus.OpUpdated,
		ChatID:    pending.ChatID,
		IDs:       []int64{messageID},
		RandomIDs: []int64{randomID},
	})

	// The pointer is keyed by local id and survives the transition; readers
	// still need to learn the chat's last message has a new identity.
	cur, _, err := b.tx.ChatLastMessage(pending.ChatID)
	if err != nil {
		return err
	}
	if cur != nil && *cur == pending.LocalID {
		b.change(bus.Change{Entity: bus.EntityChat, Op: bus.OpUpdated, ChatID: pending.ChatID, IDs: []int64{pending.ChatID}})
		return nil
	}
	return advancePointer(b, pending.ChatID, pending.LocalID)
}

func (e *Engine) applyMessageID(b *batch, u *update.MessageID) error {
	if u == nil {
		return malformed("missing id reassignment payload")
	}
	if u.RandomID == 0 || u.MessageID == 0 {
		return malformed("id reassignment needs both random id and message id")
	}
	pending, err := b.tx.MessageByRandomID(u.RandomID)
	if err != nil {
		return err
	}
	if pending == nil {
		// Reapplying a reassignment finds the random id retired or the row
		// under its permanent id.
		if _, retired, err := b.tx.RetiredRandomID(u.RandomID); err != nil || retired {
			return err
		}
		confirmed, err := b.tx.MessageByID(u.MessageID)
		if err != nil {
			return err
		}
		if confirmed != nil {
			return nil
		}
		return gap("no pending message with random id %d", u.RandomID)
	}
	return e.confirm(b, pending, u.MessageID)
}

func (e *Engine) applyEdit(b *batch, m *update.Message) error {
	if m == nil {
		return malformed("missing edit payload")
	}
	if m.MessageID == 0 {
		return malformed("edit without permanent message id")
	}
	if err := checkTime("edit_date", m.EditDate); err != nil {
		return err
	}
	existing, err := b.tx.MessageByID(m.MessageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return e.insertEdited(b, m)
	}
	if _, err := b.tx.UpdateMessageContent(m.MessageID, m.Text, asTime(m.EditDate)); err != nil {
		return err
	}
	// Edits always notify, even when the content is unchanged.
	b.change(messageChange(bus.OpUpdated, existing))
	return nil
}

// insertEdited stores an edit that overtook its message. The row is
// delivered content like any other, so the pointer follows delivery order;
// it is not a new-message event and leaves the unread counter alone.
func (e *Engine) insertEdited(b *batch, m *update.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}
	row := &store.Message{
		Identity: store.Confirmed(m.MessageID),
		ChatID:   m.ChatID,
		FromID:   m.FromID,
		Out:      m.Out,
		Status:   store.StatusSent,
		Text:     m.Text,
		Date:     asTime(m.Date),
		EditDate: asTime(m.EditDate),
	}
	if err := b.tx.EnsureChat(m.ChatID); err != nil {
		return err
	}
	if _, err := b.tx.UpsertMessage(row); err != nil {
		return err
	}
	b.change(messageChange(bus.OpInserted, row))
	return advancePointer(b, row.ChatID, row.LocalID)
}

func (e *Engine) applyDelete(b *batch, d *update.DeleteMessages) error {
	if d == nil {
		return malformed("missing delete payload")
	}
	if d.ChatID == 0 {
		return malformed("delete without chat id")
	}

	var deleted []int64
	pointerMoved := false
	for _, id := range d.MessageIDs {
		msg, err := b.tx.MessageByID(id)
		if err != nil {
			return err
		}
		if msg == nil || msg.ChatID != d.ChatID {
			b.log.Debug("delete of absent message", zap.Int64("chat_id", d.ChatID), zap.Int64("message_id", id))
			continue
		}

		// Re-derive the pointer before the row goes away.
		cur, _, err := b.tx.ChatLastMessage(d.ChatID)
		if err != nil {
			return err
		}
		if cur != nil && *cur == msg.LocalID {
			prev, err := b.tx.LatestMessage(d.ChatID, msg.LocalID)
			if err != nil {
				return err
			}
			var next *int64
			if prev != nil {
				next = &prev.LocalID
			}
			if err := b.tx.SetChatLastMessage(d.ChatID, next); err != nil {
				return err
			}
			pointerMoved = true
		}

		if _, err := b.tx.DeleteMessage(d.ChatID, id); err != nil {
			return err
		}
		deleted = append(deleted, id)
	}

	if len(deleted) > 0 {
		b.change(bus.Change{Entity: bus.EntityMessage, Op: bus.OpDeleted, ChatID: d.ChatID, IDs: deleted})
	}
	if pointerMoved {
		b.change(bus.Change{Entity: bus.EntityChat, Op: bus.OpUpdated, ChatID: d.ChatID, IDs: []int64{d.ChatID}})
	}
	return nil
}

func (e *Engine) applySendFailed(b *batch, f *update.SendFailed) error {
	if f == nil || f.RandomID == 0 {
		return malformed("send failure without random id")
	}
	msg, err := b.tx.MessageByRandomID(f.RandomID)
	if err != nil {
		return err
	}
	if msg == nil {
		messageID, retired, err := b.tx.RetiredRandomID(f.RandomID)
		if err != nil {
			return err
		}
		if retired {
			b.log.Debug("send failure after confirmation ignored",
				zap.Int64("random_id", f.RandomID),
				zap.Int64("message_id", messageID))
			return nil
		}
		return gap("no pending message with random id %d", f.RandomID)
	}
	if msg.Status == store.StatusFailed {
		return nil
	}
	if err := b.tx.SetMessageStatus(msg.LocalID, store.StatusFailed); err != nil {
		return err
	}
	b.log.Info("message send failed", zap.Int64("random_id", f.RandomID), zap.String("reason", f.Reason))
	b.change(messageChange(bus.OpUpdated, msg))
	return nil
}
