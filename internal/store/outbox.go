package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds a message to the send outbox under its client random id.
func (db *DB) QueueOutbox(randomID, chatID int64, text string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (random_id, chat_id, text, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		randomID, chatID, text, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(randomID int64) error {
	return db.setOutboxStatus(randomID, "sending", "", nil)
}

// MarkOutboxSent records the permanent message id the server assigned.
func (db *DB) MarkOutboxSent(randomID, messageID int64) error {
	return db.setOutboxStatus(randomID, "sent", "", &messageID)
}

// MarkOutboxHandedOff records that the transport accepted the message but
// has not reported its permanent id yet.
func (db *DB) MarkOutboxHandedOff(randomID int64) error {
	return db.setOutboxStatus(randomID, "handed_off", "", nil)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(randomID int64, errMsg string) error {
	return db.setOutboxStatus(randomID, "failed", errMsg, nil)
}

func (db *DB) setOutboxStatus(randomID int64, status, errMsg string, messageID *int64) error {
	_, err := db.Exec(`
		UPDATE outbox SET
			status = ?,
			error_message = ?,
			message_id = COALESCE(?, message_id),
			updated_at = ?
		WHERE random_id = ?`,
		status, errMsg, nullInt(messageID), time.Now().UnixMilli(), randomID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT random_id, chat_id, text, status, error_message, message_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, random_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var messageID sql.NullInt64
		if err := rows.Scan(&e.RandomID, &e.ChatID, &e.Text, &e.Status, &e.ErrorMessage, &messageID); err != nil {
			return nil, err
		}
		e.MessageID = ptrInt(messageID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns the outbox entry for a random id, or nil.
func (db *DB) GetOutbox(randomID int64) (*OutboxEntry, error) {
	var e OutboxEntry
	var messageID sql.NullInt64
	err := db.QueryRow(`
		SELECT random_id, chat_id, text, status, error_message, message_id
		FROM outbox WHERE random_id = ?`, randomID).
		Scan(&e.RandomID, &e.ChatID, &e.Text, &e.Status, &e.ErrorMessage, &messageID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.MessageID = ptrInt(messageID)
	return &e, nil
}
