package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertUserStatus records the online flag and last-seen time of a user.
// Last write wins; a nil online flag stores "unknown".
func (t *Tx) UpsertUserStatus(userID int64, online *bool, lastOnline *time.Time) error {
	var on sql.NullBool
	if online != nil {
		on = sql.NullBool{Bool: *online, Valid: true}
	}
	var last sql.NullInt64
	if lastOnline != nil {
		last = sql.NullInt64{Int64: lastOnline.UnixMilli(), Valid: true}
	}
	_, err := t.tx.Exec(`
		INSERT INTO users (id, online, last_online, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			online = excluded.online,
			last_online = excluded.last_online,
			updated_at = excluded.updated_at`,
		userID, on, last, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert user %d status: %w", userID, err)
	}
	return nil
}

// GetUser returns a user by id, or nil.
func (db *DB) GetUser(id int64) (*User, error) {
	var (
		u      User
		online sql.NullBool
		last   sql.NullInt64
	)
	err := db.QueryRow(`SELECT id, online, last_online FROM users WHERE id = ?`, id).
		Scan(&u.ID, &online, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if online.Valid {
		v := online.Bool
		u.Online = &v
	}
	if last.Valid {
		ts := time.UnixMilli(last.Int64)
		u.LastOnline = &ts
	}
	return &u, nil
}
