package store

import (
	"database/sql"
	"fmt"
)

// UpsertReaction stores a reaction keyed by (message, user, emoji). A second
// reaction with the same key overwrites the non-key fields.
func (t *Tx) UpsertReaction(r *Reaction) error {
	_, err := t.tx.Exec(`
		INSERT INTO reactions (message_id, user_id, emoji, chat_id, date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, emoji) DO UPDATE SET
			chat_id = excluded.chat_id,
			date = excluded.date`,
		r.MessageID, r.UserID, r.Emoji, r.ChatID, nullMillis(r.Date))
	if err != nil {
		return fmt.Errorf("upsert reaction %q on %d: %w", r.Emoji, r.MessageID, err)
	}
	return nil
}

// DeleteReaction removes the reaction of userID with emoji on a message of
// a chat. Returns the number of rows removed.
func (t *Tx) DeleteReaction(messageID, chatID int64, emoji string, userID int64) (int64, error) {
	res, err := t.tx.Exec(`
		DELETE FROM reactions
		WHERE message_id = ? AND chat_id = ? AND emoji = ? AND user_id = ?`,
		messageID, chatID, emoji, userID)
	if err != nil {
		return 0, fmt.Errorf("delete reaction %q on %d: %w", emoji, messageID, err)
	}
	return res.RowsAffected()
}

// ListReactions returns the reactions on a message ordered by date.
func (db *DB) ListReactions(messageID int64) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT message_id, chat_id, user_id, emoji, date
		FROM reactions WHERE message_id = ?
		ORDER BY date, user_id, emoji`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		var date sql.NullInt64
		if err := rows.Scan(&r.MessageID, &r.ChatID, &r.UserID, &r.Emoji, &date); err != nil {
			return nil, err
		}
		r.Date = fromMillis(date)
		out = append(out, r)
	}
	return out, rows.Err()
}
