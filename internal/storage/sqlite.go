// Package storage provides persistence for sharme: the fact table with
// its dirty flags, pending-delete tombstones, the meta key/value store,
// and the share-import ledger.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the single SQLite handle behind $SHARME_HOME/db. The whole
// process funnels through one connection: writers are only the two
// background ticks and the foreground CLI, and their store operations
// must serialize through transactions rather than contend on the file.
type DB struct {
	sql  *sql.DB
	path string
}

// Pragmas applied to every fresh handle. WAL keeps the sync ticks'
// writes from blocking CLI reads; the busy timeout covers the window
// where a tick commit overlaps a foreground command; foreign-key
// enforcement is on, though the current schema declares no foreign keys.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Open opens or creates the database at path.
func Open(cfg Config) (*DB, error) {
	if cfg.InMemory {
		return open(":memory:?cache=shared", "")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return open(cfg.Path, cfg.Path)
}

// Config selects the backing store.
type Config struct {
	Path     string // database file ($SHARME_HOME/db)
	InMemory bool   // tests only
}

func open(dsn, path string) (*DB, error) {
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection, ever. SQLite serializes writers anyway; capping
	// the pool here turns would-be SQLITE_BUSY races between the push
	// tick and CLI commands into ordinary queueing.
	handle.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &DB{sql: handle, path: path}, nil
}

// Close closes the database handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Conn returns the underlying sql.DB for direct access.
func (db *DB) Conn() *sql.DB {
	return db.sql
}

// Transaction runs fn atomically: commit on nil, rollback on error or
// panic. Store invariants (dirty marking + tombstone clearing, dirty
// clearing + version bookkeeping) all hold only because their steps
// share one of these transactions.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.sql.Begin()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}
