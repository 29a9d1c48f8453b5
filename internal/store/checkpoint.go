package store

import (
	"database/sql"
	"time"
)

// Checkpoint keys written by the update engine inside each batch.
const (
	CheckpointLastBatchID   = "last_batch_id"
	CheckpointLastBatchAt   = "last_batch_at"
	CheckpointLastBatchSize = "last_batch_size"
)

// SetCheckpoint updates a sync checkpoint value as part of the transaction.
func (t *Tx) SetCheckpoint(key, value string) error {
	_, err := t.tx.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Checkpoint retrieves a sync checkpoint value. Missing keys return "".
func (db *DB) Checkpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
