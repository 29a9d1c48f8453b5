package store

import (
	"database/sql"
	"fmt"
	"time"
)

// IncrementUnread bumps the unread counter of the chat's dialog by one,
// creating the dialog on first use.
func (t *Tx) IncrementUnread(chatID int64) error {
	_, err := t.tx.Exec(`
		INSERT INTO dialogs (chat_id, unread_count, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			unread_count = dialogs.unread_count + 1,
			updated_at = excluded.updated_at`,
		chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("increment unread of chat %d: %w", chatID, err)
	}
	return nil
}

// GetDialog returns the dialog for a chat, or nil.
func (db *DB) GetDialog(chatID int64) (*Dialog, error) {
	var d Dialog
	err := db.QueryRow(`SELECT chat_id, unread_count FROM dialogs WHERE chat_id = ?`, chatID).
		Scan(&d.ChatID, &d.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
