package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnsureChat creates an empty chat row if none exists yet.
func (t *Tx) EnsureChat(chatID int64) error {
	_, err := t.tx.Exec(`
		INSERT INTO chats (id, updated_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		chatID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure chat %d: %w", chatID, err)
	}
	return nil
}

// ChatLastMessage returns the local id the chat's last-message pointer
// references (nil when unset) and whether the chat exists at all.
func (t *Tx) ChatLastMessage(chatID int64) (*int64, bool, error) {
	var last sql.NullInt64
	err := t.tx.QueryRow(`SELECT last_msg_local_id FROM chats WHERE id = ?`, chatID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read chat %d: %w", chatID, err)
	}
	return ptrInt(last), true, nil
}

// SetChatLastMessage points the chat at the message with the given local id,
// or clears the pointer when localID is nil.
func (t *Tx) SetChatLastMessage(chatID int64, localID *int64) error {
	_, err := t.tx.Exec(`UPDATE chats SET last_msg_local_id = ?, updated_at = ? WHERE id = ?`,
		nullInt(localID), time.Now().UnixMilli(), chatID)
	if err != nil {
		return fmt.Errorf("set last message of chat %d: %w", chatID, err)
	}
	return nil
}

// UpsertChat inserts or updates chat metadata. The last-message pointer is
// owned by the update engine and never written here.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	var emoji sql.NullString
	if c.Emoji != "" {
		emoji = sql.NullString{String: c.Emoji, Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO chats (id, title, space_id, emoji, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			space_id = excluded.space_id,
			emoji = excluded.emoji,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, nullInt(c.SpaceID), emoji, now)
	return err
}

const chatSelect = `
	SELECT c.id, c.title, c.space_id, COALESCE(c.emoji, ''), COALESCE(d.unread_count, 0),
		c.last_msg_local_id, m.message_id, m.random_id
	FROM chats c
	LEFT JOIN dialogs d ON d.chat_id = c.id
	LEFT JOIN messages m ON m.local_id = c.last_msg_local_id`

func scanChat(s scanner) (*Chat, error) {
	var (
		c                           Chat
		spaceID, lastLocal          sql.NullInt64
		lastMessageID, lastRandomID sql.NullInt64
	)
	if err := s.Scan(&c.ID, &c.Title, &spaceID, &c.Emoji, &c.UnreadCount, &lastLocal, &lastMessageID, &lastRandomID); err != nil {
		return nil, err
	}
	c.SpaceID = ptrInt(spaceID)
	c.LastMsgLocalID = ptrInt(lastLocal)
	if lastLocal.Valid {
		id, err := identityFromColumns(lastMessageID, lastRandomID)
		if err != nil {
			return nil, err
		}
		c.LastMsg = &id
	}
	return &c, nil
}

// GetChat returns a single chat by id, or nil.
func (db *DB) GetChat(id int64) (*Chat, error) {
	c, err := scanChat(db.QueryRow(chatSelect+` WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChats returns chats with the most recently active first.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(chatSelect+`
		ORDER BY c.last_msg_local_id IS NULL, c.last_msg_local_id DESC, c.id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}
