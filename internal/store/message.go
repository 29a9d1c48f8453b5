package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `local_id, message_id, random_id, chat_id, from_id, out, status, text, date, edit_date`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m                   Message
		messageID, randomID sql.NullInt64
		date, editDate      sql.NullInt64
		status              string
	)
	if err := s.Scan(&m.LocalID, &messageID, &randomID, &m.ChatID, &m.FromID, &m.Out, &status, &m.Text, &date, &editDate); err != nil {
		return nil, err
	}
	id, err := identityFromColumns(messageID, randomID)
	if err != nil {
		return nil, err
	}
	m.Identity = id
	m.Status = MessageStatus(status)
	m.Date = fromMillis(date)
	m.EditDate = fromMillis(editDate)
	return &m, nil
}

func findMessage(q queryer, where string, args ...any) (*Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func findByIdentity(q queryer, id Identity) (*Message, error) {
	if mid, ok := id.MessageID(); ok {
		return findMessage(q, `message_id = ?`, mid)
	}
	rid, _ := id.RandomID()
	return findMessage(q, `random_id = ?`, rid)
}

// UpsertMessage inserts or updates a message keyed by its identity. On insert
// m.LocalID receives the new delivery order; on update it receives the
// existing one. Reports whether a new row was inserted.
func (t *Tx) UpsertMessage(m *Message) (bool, error) {
	existing, err := findByIdentity(t.tx, m.Identity)
	if err != nil {
		return false, fmt.Errorf("lookup message %s: %w", m.Identity, err)
	}
	status := m.Status
	if status == "" {
		status = StatusSent
	}

	if existing != nil {
		if _, err := t.tx.Exec(`
			UPDATE messages SET
				from_id = ?,
				out = ?,
				status = ?,
				text = ?,
				date = COALESCE(?, date),
				edit_date = COALESCE(?, edit_date)
			WHERE local_id = ?`,
			m.FromID, m.Out, status, m.Text, nullMillis(m.Date), nullMillis(m.EditDate), existing.LocalID); err != nil {
			return false, fmt.Errorf("update message %s: %w", m.Identity, err)
		}
		m.LocalID = existing.LocalID
		m.ChatID = existing.ChatID
		m.Status = status
		return false, nil
	}

	messageID, randomID := m.Identity.columns()
	res, err := t.tx.Exec(`
		INSERT INTO messages (message_id, random_id, chat_id, from_id, out, status, text, date, edit_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageID, randomID, m.ChatID, m.FromID, m.Out, status, m.Text, nullMillis(m.Date), nullMillis(m.EditDate), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.Identity, err)
	}
	localID, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	m.LocalID = localID
	m.Status = status
	return true, nil
}

// MessageByID returns the confirmed message with the given permanent id, or nil.
func (t *Tx) MessageByID(messageID int64) (*Message, error) {
	return findMessage(t.tx, `message_id = ?`, messageID)
}

// MessageByRandomID returns the pending message with the given random id, or nil.
func (t *Tx) MessageByRandomID(randomID int64) (*Message, error) {
	return findMessage(t.tx, `random_id = ?`, randomID)
}

// ConfirmMessage moves a pending message to its permanent id and marks it
// sent. If another row already holds messageID the row is left untouched
// and ConfirmMessage reports false.
func (t *Tx) ConfirmMessage(localID, messageID int64) (bool, error) {
	// Record the retired random id under the same conditions as the update
	// below, so both happen or neither does.
	if _, err := t.tx.Exec(`
		INSERT OR IGNORE INTO retired_random_ids (random_id, message_id, retired_at)
		SELECT random_id, ?, ? FROM messages
		WHERE local_id = ? AND random_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM messages WHERE message_id = ?)`,
		messageID, time.Now().UnixMilli(), localID, messageID); err != nil {
		return false, fmt.Errorf("retire random id of message %d: %w", messageID, err)
	}
	res, err := t.tx.Exec(`
		UPDATE messages SET message_id = ?, random_id = NULL, status = ?
		WHERE local_id = ? AND random_id IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM messages WHERE message_id = ?)`,
		messageID, StatusSent, localID, messageID)
	if err != nil {
		return false, fmt.Errorf("confirm message %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RetiredRandomID returns the permanent id a confirmation gave the message
// that used randomID, if any.
func (t *Tx) RetiredRandomID(randomID int64) (int64, bool, error) {
	var messageID int64
	err := t.tx.QueryRow(`SELECT message_id FROM retired_random_ids WHERE random_id = ?`, randomID).Scan(&messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup retired random id %d: %w", randomID, err)
	}
	return messageID, true, nil
}

// SetMessageStatus updates the delivery status of a message.
func (t *Tx) SetMessageStatus(localID int64, status MessageStatus) error {
	_, err := t.tx.Exec(`UPDATE messages SET status = ? WHERE local_id = ?`, status, localID)
	return err
}

// UpdateMessageContent rewrites the text of a confirmed message after an
// edit. Reports false when the message is not stored locally.
func (t *Tx) UpdateMessageContent(messageID int64, text string, editDate time.Time) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE messages SET text = ?, edit_date = COALESCE(?, edit_date)
		WHERE message_id = ?`,
		text, nullMillis(editDate), messageID)
	if err != nil {
		return false, fmt.Errorf("edit message %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMessage removes a confirmed message of a chat together with its
// reactions. Reports whether the message existed.
func (t *Tx) DeleteMessage(chatID, messageID int64) (bool, error) {
	if _, err := t.tx.Exec(`DELETE FROM reactions WHERE message_id = ? AND chat_id = ?`, messageID, chatID); err != nil {
		return false, fmt.Errorf("delete reactions of %d: %w", messageID, err)
	}
	res, err := t.tx.Exec(`DELETE FROM messages WHERE message_id = ? AND chat_id = ?`, messageID, chatID)
	if err != nil {
		return false, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestMessage returns the most recent message of a chat by delivery order,
// skipping the row with local id exclude (pass 0 to skip nothing).
func (t *Tx) LatestMessage(chatID, exclude int64) (*Message, error) {
	return findMessage(t.tx, `chat_id = ? AND local_id != ? ORDER BY local_id DESC LIMIT 1`, chatID, exclude)
}

// GetMessage returns the message with the given identity, or nil.
func (db *DB) GetMessage(id Identity) (*Message, error) {
	return findByIdentity(db.DB, id)
}

// ListMessages returns messages of a chat, newest first, using keyset
// pagination on delivery order. beforeLocalID <= 0 starts from the newest.
func (db *DB) ListMessages(chatID, beforeLocalID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = ?`
	args := []any{chatID}
	if beforeLocalID > 0 {
		q += ` AND local_id < ?`
		args = append(args, beforeLocalID)
	}
	q += ` ORDER BY local_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
