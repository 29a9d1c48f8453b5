package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Tx is a write unit of work. All typed writes of the update engine go
// through a Tx; a batch is committed or rolled back as a whole.
type Tx struct {
	tx *sql.Tx
}

// queryer is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// BeginTx starts a write transaction.
func (db *DB) BeginTx() (*Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// Savepoint opens a nested savepoint so a single update can be undone
// without aborting the enclosing batch.
func (t *Tx) Savepoint(name string) error {
	_, err := t.tx.Exec(`SAVEPOINT ` + name)
	return err
}

// Release keeps the writes made since the savepoint.
func (t *Tx) Release(name string) error {
	_, err := t.tx.Exec(`RELEASE ` + name)
	return err
}

// RollbackTo discards the writes made since the savepoint and releases it.
func (t *Tx) RollbackTo(name string) error {
	if _, err := t.tx.Exec(`ROLLBACK TO ` + name); err != nil {
		return err
	}
	return t.Release(name)
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64)
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
