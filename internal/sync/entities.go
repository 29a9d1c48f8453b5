package sync

import (
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/store"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

func (e *Engine) applyUserStatus(b *batch, s *update.UserStatus) error {
	if s == nil {
		return malformed("missing user status payload")
	}
	if s.UserID == 0 {
		return malformed("user status without user id")
	}
	if err := checkTime("last_online", s.LastOnline); err != nil {
		return err
	}

	// Anything but an explicit online or offline stores unknown.
	var online *bool
	switch s.Online {
	case update.Online:
		v := true
		online = &v
	case update.Offline:
		v := false
		online = &v
	}
	var lastOnline *time.Time
	if s.LastOnline != nil {
		t := s.LastOnline.AsTime()
		lastOnline = &t
	}
	if err := b.tx.UpsertUserStatus(s.UserID, online, lastOnline); err != nil {
		return err
	}
	b.change(bus.Change{Entity: bus.EntityUser, Op: bus.OpUpdated, IDs: []int64{s.UserID}})
	return nil
}

// applyCompose queues the action for the presence tracker. The tracker is
// fed once the batch commits, so a rolled-back batch changes no presence.
func (e *Engine) applyCompose(b *batch, c *update.ComposeAction) error {
	if c == nil {
		return malformed("missing compose action payload")
	}
	if c.ChatID == 0 || c.UserID == 0 {
		return malformed("compose action without chat or user id")
	}
	b.compose = append(b.compose, *c)
	return nil
}

// normEmoji keys reactions by the NFC form so visually identical emoji
// with different code point sequences collapse to one row.
func normEmoji(s string) string {
	return norm.NFC.String(s)
}

func (e *Engine) applyReaction(b *batch, r *update.Reaction) error {
	if r == nil {
		return malformed("missing reaction payload")
	}
	if r.MessageID == 0 || r.ChatID == 0 {
		return malformed("reaction without message or chat id")
	}
	if r.Emoji == "" {
		return malformed("reaction without emoji")
	}
	if err := checkTime("date", r.Date); err != nil {
		return err
	}
	row := &store.Reaction{
		MessageID: r.MessageID,
		ChatID:    r.ChatID,
		UserID:    r.UserID,
		Emoji:     normEmoji(r.Emoji),
		Date:      asTime(r.Date),
	}
	if err := b.tx.UpsertReaction(row); err != nil {
		return err
	}
	b.change(bus.Change{Entity: bus.EntityReaction, Op: bus.OpInserted, ChatID: r.ChatID, IDs: []int64{r.MessageID}})
	return nil
}

func (e *Engine) applyDeleteReaction(b *batch, r *update.DeleteReaction) error {
	if r == nil {
		return malformed("missing reaction removal payload")
	}
	if r.MessageID == 0 || r.ChatID == 0 {
		return malformed("reaction removal without message or chat id")
	}
	if r.Emoji == "" {
		return malformed("reaction removal without emoji")
	}
	// Without a known current user the removal acts as user 0.
	userID, _ := e.me.CurrentUserID()
	n, err := b.tx.DeleteReaction(r.MessageID, r.ChatID, normEmoji(r.Emoji), userID)
	if err != nil {
		return err
	}
	if n == 0 {
		b.log.Debug("reaction removal matched nothing",
			zap.Int64("message_id", r.MessageID),
			zap.Int64("user_id", userID))
		return nil
	}
	b.change(bus.Change{Entity: bus.EntityReaction, Op: bus.OpDeleted, ChatID: r.ChatID, IDs: []int64{r.MessageID}})
	return nil
}

func (e *Engine) applyAttachment(b *batch, a *update.MessageAttachment) error {
	if a == nil {
		return malformed("missing attachment payload")
	}
	if a.ID == 0 || a.MessageID == 0 {
		return malformed("attachment without id or message id")
	}
	t := a.ExternalTask
	if t == nil {
		return malformed("unsupported attachment type")
	}
	if t.ID == 0 {
		return malformed("external task without id")
	}
	if err := checkTime("external_task.date", t.Date); err != nil {
		return err
	}

	msg, err := b.tx.MessageByID(a.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return gap("attachment %d references unknown message %d", a.ID, a.MessageID)
	}

	task := &store.ExternalTask{
		ID:          t.ID,
		Application: t.Application,
		TaskID:      t.TaskID,
		Status:      t.Status,
		Title:       t.Title,
		URL:         t.URL,
		Number:      t.Number,
		Date:        asTime(t.Date),
	}
	if t.AssignedUserID != 0 {
		assigned := t.AssignedUserID
		task.AssignedUserID = &assigned
	}
	if err := b.tx.UpsertExternalTask(task); err != nil {
		return err
	}
	if err := b.tx.UpsertAttachment(&store.Attachment{ID: a.ID, MessageID: a.MessageID, ExternalTaskID: &task.ID}); err != nil {
		return err
	}
	b.change(bus.Change{Entity: bus.EntityAttachment, Op: bus.OpInserted, ChatID: msg.ChatID, IDs: []int64{a.ID}})
	return nil
}
