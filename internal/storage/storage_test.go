package storage

import (
	"testing"
	"time"

	"github.com/sharme/sharme/internal/core"
)

// testDB creates an in-memory database for testing
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	version, err := db.schemaVersion()
	if err != nil {
		t.Fatalf("schemaVersion() error = %v", err)
	}
	if version < 1 {
		t.Fatalf("schema version = %d, want >= 1 after migration", version)
	}

	// Re-running applies nothing and leaves the version unchanged.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	again, _ := db.schemaVersion()
	if again != version {
		t.Errorf("schema version changed on re-run: %d -> %d", version, again)
	}
}

func testFact(key, value string) *core.Fact {
	return &core.Fact{
		ID:    "id-" + key,
		Scope: core.Global,
		Key:   key,
		Value: value,
		Tags:  []string{"test"},
	}
}

// =============================================================================
// FactStore Tests
// =============================================================================

func TestFactStore_UpsertAndGet(t *testing.T) {
	s := NewFactStore(testDB(t))

	f := testFact("global:auth:strategy", "JWT")
	if err := s.Upsert(f); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get("global:auth:strategy")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for existing key")
	}
	if got.Value != "JWT" {
		t.Errorf("Value = %q, want JWT", got.Value)
	}
	if !got.Dirty {
		t.Error("fresh upsert should set dirty")
	}
	if got.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want default 1.0", got.Confidence)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "test" {
		t.Errorf("Tags = %v, want [test]", got.Tags)
	}
}

func TestFactStore_Get_Missing(t *testing.T) {
	s := NewFactStore(testDB(t))

	got, err := s.Get("global:nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil for missing key", got)
	}
}

func TestFactStore_Upsert_ReplaceKeepsCreated(t *testing.T) {
	s := NewFactStore(testDB(t))

	f := testFact("global:k", "v1")
	f.Created = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.LastConfirmed = f.Created
	if err := s.Upsert(f); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	f2 := testFact("global:k", "v2")
	f2.Created = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f2.LastConfirmed = f2.Created
	if err := s.Upsert(f2); err != nil {
		t.Fatalf("replace Upsert() error = %v", err)
	}

	got, _ := s.Get("global:k")
	if got.Value != "v2" {
		t.Errorf("Value = %q, want v2 (replace semantics)", got.Value)
	}
	if !got.Created.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Created = %v; must never change after insertion", got.Created)
	}
	if !got.LastConfirmed.After(got.Created) {
		t.Error("LastConfirmed should advance on replace")
	}
}

func TestFactStore_Upsert_ClearsPendingDelete(t *testing.T) {
	s := NewFactStore(testDB(t))

	if err := s.Upsert(testFact("global:k", "v1")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Delete("global:k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	deletes, _ := s.GetPendingDeletes()
	if len(deletes) != 1 {
		t.Fatalf("pending deletes = %d, want 1", len(deletes))
	}

	if err := s.Upsert(testFact("global:k", "v2")); err != nil {
		t.Fatalf("re-Upsert() error = %v", err)
	}

	deletes, _ = s.GetPendingDeletes()
	if len(deletes) != 0 {
		t.Errorf("pending deletes = %d after re-upsert, want 0", len(deletes))
	}
}

func TestFactStore_Delete_Idempotent(t *testing.T) {
	s := NewFactStore(testDB(t))

	if err := s.Delete("global:missing"); err != nil {
		t.Fatalf("Delete() of missing key error = %v", err)
	}
	deletes, _ := s.GetPendingDeletes()
	if len(deletes) != 0 {
		t.Errorf("deleting a missing key must not queue a tombstone, got %d", len(deletes))
	}

	s.Upsert(testFact("global:k", "v"))
	if err := s.Delete("global:k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("global:k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}

	deletes, _ = s.GetPendingDeletes()
	if len(deletes) != 1 {
		t.Errorf("pending deletes = %d, want 1", len(deletes))
	}
	got, _ := s.Get("global:k")
	if got != nil {
		t.Error("fact should be gone after delete")
	}
}

func TestFactStore_GetByScope(t *testing.T) {
	s := NewFactStore(testDB(t))

	global := testFact("global:a", "1")
	s.Upsert(global)

	proj := testFact("project:api:b", "2")
	proj.Scope = "project:api"
	s.Upsert(proj)

	other := testFact("project:web:c", "3")
	other.Scope = "project:web"
	s.Upsert(other)

	facts, err := s.GetByScope("project:api")
	if err != nil {
		t.Fatalf("GetByScope() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("GetByScope() returned %d facts, want 2 (scope + global)", len(facts))
	}
	for _, f := range facts {
		if f.Scope != "project:api" && f.Scope != core.Global {
			t.Errorf("unexpected scope %q in results", f.Scope)
		}
	}
}

func TestFactStore_GetAll_OrderedByLastConfirmed(t *testing.T) {
	s := NewFactStore(testDB(t))

	older := testFact("global:old", "1")
	older.LastConfirmed = time.Now().UTC().Add(-time.Hour)
	s.Upsert(older)

	newer := testFact("global:new", "2")
	newer.LastConfirmed = time.Now().UTC()
	s.Upsert(newer)

	facts, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("GetAll() returned %d facts, want 2", len(facts))
	}
	if facts[0].Key != "global:new" {
		t.Errorf("first fact = %q, want most recently confirmed", facts[0].Key)
	}
}

func TestFactStore_DirtyLifecycle(t *testing.T) {
	s := NewFactStore(testDB(t))

	s.Upsert(testFact("global:a", "1"))
	s.Upsert(testFact("global:b", "2"))
	s.Upsert(testFact("global:c", "3"))
	s.Delete("global:c")

	dirty, err := s.GetDirty()
	if err != nil {
		t.Fatalf("GetDirty() error = %v", err)
	}
	if len(dirty) != 2 {
		t.Fatalf("dirty count = %d, want 2", len(dirty))
	}

	if err := s.ClearDirtyState(); err != nil {
		t.Fatalf("ClearDirtyState() error = %v", err)
	}

	dirty, _ = s.GetDirty()
	if len(dirty) != 0 {
		t.Errorf("dirty count after clear = %d, want 0", len(dirty))
	}
	deletes, _ := s.GetPendingDeletes()
	if len(deletes) != 0 {
		t.Errorf("pending deletes after clear = %d, want 0", len(deletes))
	}
}

func TestFactStore_CompletePush(t *testing.T) {
	db := testDB(t)
	s := NewFactStore(db)
	meta := NewMetaStore(db)

	s.Upsert(testFact("global:a", "1"))

	if err := s.CompletePush(7); err != nil {
		t.Fatalf("CompletePush() error = %v", err)
	}

	dirty, _ := s.GetDirty()
	if len(dirty) != 0 {
		t.Errorf("dirty count = %d after CompletePush, want 0", len(dirty))
	}

	current, _ := meta.GetVersion(core.MetaCurrentVersion)
	if current != 7 {
		t.Errorf("current_version = %d, want 7", current)
	}
	pushed, _ := meta.GetVersion(core.MetaLastPushedVersion)
	if pushed != 7 {
		t.Errorf("last_pushed_version = %d, want 7", pushed)
	}
}

func TestFactStore_IncrementAccessCount(t *testing.T) {
	s := NewFactStore(testDB(t))

	s.Upsert(testFact("global:k", "v"))
	s.IncrementAccessCount("global:k")
	s.IncrementAccessCount("global:k")

	got, _ := s.Get("global:k")
	if got.AccessCount != 2 {
		t.Errorf("AccessCount = %d, want 2", got.AccessCount)
	}
}

func TestFactStore_ApplyReconstructed(t *testing.T) {
	db := testDB(t)
	s := NewFactStore(db)
	meta := NewMetaStore(db)

	// A stale local copy of a key the replay deletes.
	s.Upsert(testFact("global:gone", "stale"))
	s.ClearDirtyState()

	reconstructed := []*core.Fact{testFact("global:kept", "v")}
	if err := s.ApplyReconstructed(reconstructed, []string{"global:gone"}, 4); err != nil {
		t.Fatalf("ApplyReconstructed() error = %v", err)
	}

	kept, _ := s.Get("global:kept")
	if kept == nil {
		t.Fatal("reconstructed fact missing")
	}
	if kept.Dirty {
		t.Error("reconstructed facts must land with dirty=0")
	}

	gone, _ := s.Get("global:gone")
	if gone != nil {
		t.Error("replay-deleted key should be removed")
	}
	deletes, _ := s.GetPendingDeletes()
	if len(deletes) != 0 {
		t.Error("replay deletion must not queue tombstones")
	}

	version, _ := meta.GetVersion(core.MetaCurrentVersion)
	if version != 4 {
		t.Errorf("current_version = %d, want 4", version)
	}
}

// =============================================================================
// MetaStore Tests
// =============================================================================

func TestMetaStore_GetSet(t *testing.T) {
	s := NewMetaStore(testDB(t))

	got, err := s.Get("missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}

	if err := s.Set("wallet_address", "abc123"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set("wallet_address", "def456"); err != nil {
		t.Fatalf("Set() upsert error = %v", err)
	}

	got, _ = s.Get("wallet_address")
	if got != "def456" {
		t.Errorf("Get() = %q, want def456", got)
	}
}

func TestMetaStore_GetVersion(t *testing.T) {
	s := NewMetaStore(testDB(t))

	v, err := s.GetVersion(core.MetaCurrentVersion)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if v != 0 {
		t.Errorf("unset version = %d, want 0", v)
	}

	s.Set(core.MetaCurrentVersion, "42")
	v, _ = s.GetVersion(core.MetaCurrentVersion)
	if v != 42 {
		t.Errorf("version = %d, want 42", v)
	}

	s.Set(core.MetaCurrentVersion, "garbage")
	v, _ = s.GetVersion(core.MetaCurrentVersion)
	if v != 0 {
		t.Errorf("unparsable version = %d, want 0", v)
	}
}

func TestMetaStore_Offsets(t *testing.T) {
	s := NewMetaStore(testDB(t))

	key := core.ConversationOffsetKey(core.ClientCursor, "session-1")

	n, err := s.GetOffset(key)
	if err != nil {
		t.Fatalf("GetOffset() error = %v", err)
	}
	if n != 0 {
		t.Errorf("unset offset = %d, want 0", n)
	}

	if err := s.SetOffset(key, 13); err != nil {
		t.Fatalf("SetOffset() error = %v", err)
	}
	n, _ = s.GetOffset(key)
	if n != 13 {
		t.Errorf("offset = %d, want 13", n)
	}
}

// =============================================================================
// ImportStore Tests
// =============================================================================

func TestImportStore_SaveIdempotent(t *testing.T) {
	s := NewImportStore(testDB(t))

	has, err := s.Has("share-1")
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if has {
		t.Error("Has() = true for unredeemed share")
	}

	entry := &core.SharedConversationImport{
		ShareID: "share-1",
		Conversation: core.Conversation{
			ID:      "conv-1",
			Client:  core.ClientClaudeCode,
			Project: "sharme",
			Messages: []core.Message{
				{Role: "user", Content: "hello"},
			},
		},
	}
	if err := s.Save(entry); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Second redemption is a no-op.
	dup := &core.SharedConversationImport{ShareID: "share-1"}
	if err := s.Save(dup); err != nil {
		t.Fatalf("duplicate Save() error = %v", err)
	}

	imports, err := s.GetAll()
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(imports) != 1 {
		t.Fatalf("imports = %d, want 1", len(imports))
	}
	if imports[0].Conversation.ID != "conv-1" {
		t.Errorf("first import kept = %q, want conv-1 (first redemption wins)", imports[0].Conversation.ID)
	}

	has, _ = s.Has("share-1")
	if !has {
		t.Error("Has() = false after Save")
	}
}
