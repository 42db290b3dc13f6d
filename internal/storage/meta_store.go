package storage

import (
	"database/sql"
	"strconv"
)

// MetaStore handles the process-wide persistent key/value table.
type MetaStore struct {
	db *DB
}

// NewMetaStore creates a new meta store
func NewMetaStore(db *DB) *MetaStore {
	return &MetaStore{db: db}
}

// Get returns the value for key, or "" if unset.
func (s *MetaStore) Get(key string) (string, error) {
	var value string
	err := s.db.sql.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set upserts a key/value pair.
func (s *MetaStore) Set(key, value string) error {
	_, err := s.db.sql.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// GetVersion reads key as a decimal version number, defaulting to 0 for
// an unset or unparsable value.
func (s *MetaStore) GetVersion(key string) (uint32, error) {
	raw, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, nil
	}
	return uint32(v), nil
}

// GetOffset reads key as a non-negative message offset, defaulting to 0.
func (s *MetaStore) GetOffset(key string) (int, error) {
	raw, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// SetOffset writes a message offset under key.
func (s *MetaStore) SetOffset(key string, offset int) error {
	return s.Set(key, strconv.Itoa(offset))
}

func setMetaTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func formatVersion(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
