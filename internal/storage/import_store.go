package storage

import (
	"encoding/json"
	"time"

	"github.com/sharme/sharme/internal/core"
)

// ImportStore handles the shared-conversation import ledger.
type ImportStore struct {
	db *DB
}

// NewImportStore creates a new import store
func NewImportStore(db *DB) *ImportStore {
	return &ImportStore{db: db}
}

// Has reports whether a share has already been redeemed.
func (s *ImportStore) Has(shareID string) (bool, error) {
	var count int
	err := s.db.sql.QueryRow(
		"SELECT COUNT(*) FROM shared_conversation_imports WHERE share_id = ?", shareID,
	).Scan(&count)
	return count > 0, err
}

// Save records a redeemed share. Redeeming the same share twice keeps
// the first import (INSERT OR IGNORE), so redemption stays idempotent.
func (s *ImportStore) Save(entry *core.SharedConversationImport) error {
	if entry.ImportedAt.IsZero() {
		entry.ImportedAt = time.Now().UTC()
	}

	conversation, err := json.Marshal(entry.Conversation)
	if err != nil {
		return err
	}

	_, err = s.db.sql.Exec(`
		INSERT OR IGNORE INTO shared_conversation_imports (share_id, conversation, imported_at)
		VALUES (?, ?, ?)
	`, entry.ShareID, string(conversation), entry.ImportedAt)
	return err
}

// GetAll returns every recorded import, newest first.
func (s *ImportStore) GetAll() ([]*core.SharedConversationImport, error) {
	rows, err := s.db.sql.Query(`
		SELECT share_id, conversation, imported_at
		FROM shared_conversation_imports
		ORDER BY imported_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var imports []*core.SharedConversationImport
	for rows.Next() {
		entry := &core.SharedConversationImport{}
		var conversation string
		if err := rows.Scan(&entry.ShareID, &conversation, &entry.ImportedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(conversation), &entry.Conversation)
		imports = append(imports, entry)
	}
	return imports, rows.Err()
}
