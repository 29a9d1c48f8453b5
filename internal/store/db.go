package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection for the app-owned inline.db.
// Reads may run concurrently under WAL; writes go through Tx, owned by the
// update engine.
type DB struct {
	*sql.DB
}

// dsnParams are the go-sqlite3 connection parameters. _txlock=immediate
// takes the write lock at BEGIN so a batch never fails halfway through on a
// lock upgrade.
func dsnParams() url.Values {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	return q
}

// Open connects to the database at path, creating it if needed.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?"+dsnParams().Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{db}, nil
}
