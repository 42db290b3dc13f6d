package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sharme/sharme/internal/core"
)

// FactStore handles fact and pending-delete persistence.
type FactStore struct {
	db *DB
}

// NewFactStore creates a new fact store
func NewFactStore(db *DB) *FactStore {
	return &FactStore{db: db}
}

// Upsert inserts or replaces a fact by key, marks it dirty, and clears
// any pending delete for the same key, all in one transaction. A
// replaced row keeps its original created timestamp and access count.
func (s *FactStore) Upsert(f *core.Fact) error {
	now := time.Now().UTC()
	if f.Created.IsZero() {
		f.Created = now
	}
	if f.LastConfirmed.IsZero() {
		f.LastConfirmed = now
	}
	if f.Confidence == 0 {
		f.Confidence = 1.0
	}
	f.Dirty = true

	tags, _ := json.Marshal(f.Tags)

	return s.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO facts (
			    id, scope, key, value, tags, confidence, source_session,
			    created, last_confirmed, access_count, dirty
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(key) DO UPDATE SET
			    id = excluded.id,
			    scope = excluded.scope,
			    value = excluded.value,
			    tags = excluded.tags,
			    confidence = excluded.confidence,
			    source_session = excluded.source_session,
			    last_confirmed = excluded.last_confirmed,
			    dirty = 1
		`,
			f.ID, f.Scope, f.Key, f.Value, string(tags), f.Confidence,
			nullString(f.SourceSession), f.Created, f.LastConfirmed, f.AccessCount,
		)
		if err != nil {
			return err
		}

		_, err = tx.Exec("DELETE FROM pending_deletes WHERE key = ?", f.Key)
		return err
	})
}

// Delete removes a fact and queues a pending-delete tombstone for the
// next push. Deleting a key with no fact is a no-op.
func (s *FactStore) Delete(key string) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM facts WHERE key = ?", key)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		_, err = tx.Exec(`
			INSERT OR REPLACE INTO pending_deletes (key, deleted_at)
			VALUES (?, ?)
		`, key, time.Now().UTC())
		return err
	})
}

// Get returns a fact by key, or nil if not present.
func (s *FactStore) Get(key string) (*core.Fact, error) {
	row := s.db.sql.QueryRow(factSelect+" WHERE key = ?", key)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetAll returns all facts ordered by last_confirmed descending.
func (s *FactStore) GetAll() ([]*core.Fact, error) {
	rows, err := s.db.sql.Query(factSelect + " ORDER BY last_confirmed DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFacts(rows)
}

// GetByScope returns facts whose scope equals scope, plus globals.
func (s *FactStore) GetByScope(scope core.Scope) ([]*core.Fact, error) {
	rows, err := s.db.sql.Query(
		factSelect+" WHERE scope = ? OR scope = ? ORDER BY last_confirmed DESC",
		scope, core.Global,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFacts(rows)
}

// GetDirty returns facts awaiting upload.
func (s *FactStore) GetDirty() ([]*core.Fact, error) {
	rows, err := s.db.sql.Query(factSelect + " WHERE dirty = 1 ORDER BY last_confirmed ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFacts(rows)
}

// GetPendingDeletes returns queued tombstones ordered by deletion time.
func (s *FactStore) GetPendingDeletes() ([]*core.PendingDelete, error) {
	rows, err := s.db.sql.Query("SELECT key, deleted_at FROM pending_deletes ORDER BY deleted_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deletes []*core.PendingDelete
	for rows.Next() {
		pd := &core.PendingDelete{}
		if err := rows.Scan(&pd.Key, &pd.DeletedAt); err != nil {
			return nil, err
		}
		deletes = append(deletes, pd)
	}
	return deletes, rows.Err()
}

// ClearDirtyState zeroes every dirty flag and empties pending_deletes in
// a single transaction. Meta updates that must be atomic with the clear
// go through CompletePush instead.
func (s *FactStore) ClearDirtyState() error {
	return s.db.Transaction(clearDirtyState)
}

// CompletePush atomically clears dirty state and advances the version
// bookkeeping after every shard of a push has uploaded.
func (s *FactStore) CompletePush(lastVersion uint32) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if err := clearDirtyState(tx); err != nil {
			return err
		}
		if err := setMetaTx(tx, core.MetaCurrentVersion, formatVersion(lastVersion)); err != nil {
			return err
		}
		return setMetaTx(tx, core.MetaLastPushedVersion, formatVersion(lastVersion))
	})
}

func clearDirtyState(tx *sql.Tx) error {
	if _, err := tx.Exec("UPDATE facts SET dirty = 0 WHERE dirty = 1"); err != nil {
		return err
	}
	_, err := tx.Exec("DELETE FROM pending_deletes")
	return err
}

// IncrementAccessCount bumps the access counter for a key.
func (s *FactStore) IncrementAccessCount(key string) error {
	_, err := s.db.sql.Exec("UPDATE facts SET access_count = access_count + 1 WHERE key = ?", key)
	return err
}

// ApplyReconstructed writes the facts produced by a pull replay in one
// transaction: each fact lands with dirty=0, keys the replay deleted are
// removed without queuing tombstones, and current_version advances.
func (s *FactStore) ApplyReconstructed(facts []*core.Fact, deletedKeys []string, version uint32) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		for _, f := range facts {
			tags, _ := json.Marshal(f.Tags)
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO facts (
				    id, scope, key, value, tags, confidence, source_session,
				    created, last_confirmed, access_count, dirty
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			`,
				f.ID, f.Scope, f.Key, f.Value, string(tags), f.Confidence,
				nullString(f.SourceSession), f.Created, f.LastConfirmed, f.AccessCount,
			)
			if err != nil {
				return err
			}
		}

		for _, key := range deletedKeys {
			if _, err := tx.Exec("DELETE FROM facts WHERE key = ?", key); err != nil {
				return err
			}
		}

		return setMetaTx(tx, core.MetaCurrentVersion, formatVersion(version))
	})
}

// Count returns the total number of facts.
func (s *FactStore) Count() (int, error) {
	var count int
	err := s.db.sql.QueryRow("SELECT COUNT(*) FROM facts").Scan(&count)
	return count, err
}

// CountDirty returns the number of facts awaiting upload.
func (s *FactStore) CountDirty() (int, error) {
	var count int
	err := s.db.sql.QueryRow("SELECT COUNT(*) FROM facts WHERE dirty = 1").Scan(&count)
	return count, err
}

const factSelect = `
	SELECT id, scope, key, value, tags, confidence, source_session,
	       created, last_confirmed, access_count, dirty
	FROM facts`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFact(row rowScanner) (*core.Fact, error) {
	f := &core.Fact{}
	var tags string
	var sourceSession sql.NullString
	var dirty int

	err := row.Scan(
		&f.ID, &f.Scope, &f.Key, &f.Value, &tags, &f.Confidence,
		&sourceSession, &f.Created, &f.LastConfirmed, &f.AccessCount, &dirty,
	)
	if err != nil {
		return nil, err
	}

	f.SourceSession = sourceSession.String
	f.Dirty = dirty == 1
	json.Unmarshal([]byte(tags), &f.Tags)

	return f, nil
}

func scanFacts(rows *sql.Rows) ([]*core.Fact, error) {
	var facts []*core.Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
