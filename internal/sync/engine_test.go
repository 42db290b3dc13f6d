package sync

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sharme/sharme/internal/archive"
	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/shard"
	"github.com/sharme/sharme/internal/storage"
	"github.com/sharme/sharme/internal/testutil"
	"github.com/sharme/sharme/internal/testutil/mockservers"
	"github.com/sharme/sharme/internal/upload"
)

// testRig wires a sync engine, its stores, and the mock gateway the way
// the service wires them at startup.
type testRig struct {
	mock    *mockservers.GatewayMockServer
	engine  *Engine
	facts   *storage.FactStore
	meta    *storage.MetaStore
	aesKey  []byte
	address string
}

var testSalt = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func newTestRig(t *testing.T, mock *mockservers.GatewayMockServer) *testRig {
	t.Helper()

	db := testutil.TestDB(t)
	facts := storage.NewFactStore(db)
	meta := storage.NewMetaStore(db)

	keypair := testutil.TestKeypair(t)
	aesKey := crypto.DeriveKey(testutil.TestPhrase, testSalt)

	client := archive.NewClient([]string{mock.GraphQLURL()}, []string{mock.DataURL()})
	backend := upload.NewBundler(keypair.PrivateKey, keypair.Address, false,
		upload.WithEndpoint(mock.UploadURL()))

	return &testRig{
		mock:    mock,
		engine:  NewEngine(facts, meta, client, backend, keypair, aesKey),
		facts:   facts,
		meta:    meta,
		aesKey:  aesKey,
		address: keypair.Address,
	}
}

func TestPush_SingleShard(t *testing.T) {
	rig := newTestRig(t, mockservers.NewGatewayMockServer(t))
	ctx := testutil.TestContext(t)

	rig.facts.Upsert(testutil.Fact("global:auth:strategy", "JWT"))

	result, err := rig.engine.Push(ctx)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if result.Shards != 1 || result.LastVersion != 1 {
		t.Errorf("result = %+v, want 1 shard at version 1", result)
	}

	txs := rig.mock.Transactions()
	if len(txs) != 1 {
		t.Fatalf("gateway has %d txs, want 1", len(txs))
	}
	tags := txs[0].Tags
	if tags[archive.TagType] != "delta" || tags[archive.TagVersion] != "1" {
		t.Errorf("tags = %v, want Type=delta Version=1", tags)
	}
	if tags[archive.TagWallet] != rig.address {
		t.Errorf("Wallet tag = %q, want %q", tags[archive.TagWallet], rig.address)
	}
	if !crypto.Verify(txs[0].Data, tags[archive.TagSignature], rig.address) {
		t.Error("shard envelope signature should verify against the wallet")
	}

	dirty, _ := rig.facts.GetDirty()
	if len(dirty) != 0 {
		t.Errorf("dirty count after push = %d, want 0", len(dirty))
	}
	version, _ := rig.meta.GetVersion(core.MetaCurrentVersion)
	if version != 1 {
		t.Errorf("current_version = %d, want 1", version)
	}
}

func TestPush_Idempotent(t *testing.T) {
	rig := newTestRig(t, mockservers.NewGatewayMockServer(t))
	ctx := testutil.TestContext(t)

	rig.facts.Upsert(testutil.Fact("global:k", "v"))
	if _, err := rig.engine.Push(ctx); err != nil {
		t.Fatalf("first Push() error = %v", err)
	}

	result, err := rig.engine.Push(ctx)
	if err != nil {
		t.Fatalf("second Push() error = %v", err)
	}
	if result.Shards != 0 {
		t.Errorf("second push uploaded %d shards, want 0", result.Shards)
	}
	if rig.mock.UploadCount != 1 {
		t.Errorf("gateway saw %d uploads, want 1", rig.mock.UploadCount)
	}
	version, _ := rig.meta.GetVersion(core.MetaCurrentVersion)
	if version != 1 {
		t.Errorf("current_version = %d, want unchanged 1", version)
	}
}

func TestPush_OpOrderUpsertsBeforeDeletes(t *testing.T) {
	rig := newTestRig(t, mockservers.NewGatewayMockServer(t))
	ctx := testutil.TestContext(t)

	// One previously-pushed fact gets deleted, one fresh fact upserted.
	rig.facts.Upsert(testutil.Fact("global:old", "v"))
	if _, err := rig.engine.Push(ctx); err != nil {
		t.Fatalf("seed Push() error = %v", err)
	}
	rig.facts.Upsert(testutil.Fact("global:new", "v"))
	rig.facts.Delete("global:old")

	result, err := rig.engine.Push(ctx)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if result.Ops != 2 {
		t.Fatalf("ops = %d, want 2", result.Ops)
	}

	txs := rig.mock.Transactions()
	last := txs[len(txs)-1]
	plaintext, err := crypto.Decrypt(last.Data, rig.aesKey)
	if err != nil {
		t.Fatalf("decrypt pushed shard: %v", err)
	}
	sh, err := shard.Deserialize(plaintext)
	if err != nil {
		t.Fatalf("deserialize pushed shard: %v", err)
	}
	if len(sh.Operations) != 2 {
		t.Fatalf("shard carries %d ops, want 2", len(sh.Operations))
	}
	if sh.Operations[0].Op != core.OpUpsert || sh.Operations[1].Op != core.OpDelete {
		t.Errorf("op order = [%s %s], want [upsert delete]", sh.Operations[0].Op, sh.Operations[1].Op)
	}
	if sh.Operations[1].Key != "global:old" {
		t.Errorf("delete key = %q, want global:old", sh.Operations[1].Key)
	}
}

func TestPush_UploadFailureKeepsDirty(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	rig := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	rig.facts.Upsert(testutil.Fact("global:k", "v"))

	mock.FailUpload = true
	if _, err := rig.engine.Push(ctx); err == nil {
		t.Fatal("Push() should fail when upload fails")
	}

	dirty, _ := rig.facts.GetDirty()
	if len(dirty) != 1 {
		t.Fatalf("dirty count after failed push = %d, want 1 (retry next tick)", len(dirty))
	}
	version, _ := rig.meta.GetVersion(core.MetaCurrentVersion)
	if version != 0 {
		t.Errorf("current_version = %d after failed push, want 0", version)
	}

	// Next tick retries the whole op set.
	mock.FailUpload = false
	result, err := rig.engine.Push(ctx)
	if err != nil {
		t.Fatalf("retry Push() error = %v", err)
	}
	if result.Shards != 1 || result.LastVersion != 1 {
		t.Errorf("retry result = %+v, want 1 shard at version 1", result)
	}
}

func TestPullRoundTrip(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	deviceA := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	fact := testutil.Fact("global:auth:strategy", "JWT")
	fact.Tags = []string{"auth", "decision"}
	deviceA.facts.Upsert(fact)
	deviceA.facts.Upsert(testutil.Fact("global:db:engine", "sqlite"))
	if _, err := deviceA.engine.Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	// A second device holding only the recovery phrase reconstructs
	// from the archive.
	deviceB := newTestRig(t, mock)
	result, err := deviceB.engine.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.Applied != 1 || result.Facts != 2 {
		t.Errorf("result = %+v, want 1 shard applied with 2 facts", result)
	}

	got, _ := deviceB.facts.Get("global:auth:strategy")
	if got == nil {
		t.Fatal("reconstructed fact missing")
	}
	if got.Value != "JWT" {
		t.Errorf("Value = %q, want JWT", got.Value)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "auth" {
		t.Errorf("Tags = %v, want [auth decision]", got.Tags)
	}
	if got.Dirty {
		t.Error("reconstructed fact must not be dirty")
	}

	version, _ := deviceB.meta.GetVersion(core.MetaCurrentVersion)
	if version != 1 {
		t.Errorf("current_version = %d, want 1", version)
	}
}

func TestPull_DeleteReplay(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	deviceA := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	deviceA.facts.Upsert(testutil.Fact("global:k", "v"))
	if _, err := deviceA.engine.Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	deviceA.facts.Delete("global:k")
	if _, err := deviceA.engine.Push(ctx); err != nil {
		t.Fatalf("delete Push() error = %v", err)
	}

	deviceB := newTestRig(t, mock)
	if _, err := deviceB.engine.Pull(ctx); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	got, _ := deviceB.facts.Get("global:k")
	if got != nil {
		t.Errorf("deleted key reappeared after replay: %+v", got)
	}
}

func TestPull_AdversarialShardSkipped(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	deviceA := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	deviceA.facts.Upsert(testutil.Fact("global:good", "v"))
	if _, err := deviceA.engine.Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	// Forge a version-2 shard with valid tags but a flipped ciphertext
	// byte, so its signature no longer verifies.
	evil := *testutil.Fact("global:evil", "injected")
	forged := core.Shard{
		ShardVersion: 2,
		ShardID:      "forged",
		Type:         core.ShardDelta,
		Operations:   []core.Op{{Op: core.OpUpsert, Fact: &evil}},
	}
	plaintext, _ := shard.Serialize(forged)
	envelope, _ := crypto.Encrypt(plaintext, deviceA.aesKey)
	keypair := testutil.TestKeypair(t)
	signature := crypto.Sign(envelope, keypair.PrivateKey)
	envelope[len(envelope)/2] ^= 0x01
	mock.AddTransaction(map[string]string{
		archive.TagAppName:   archive.AppName,
		archive.TagWallet:    deviceA.address,
		archive.TagType:      "delta",
		archive.TagVersion:   "2",
		archive.TagTimestamp: "1700000000",
		archive.TagSignature: signature,
	}, envelope)

	deviceB := newTestRig(t, mock)
	result, err := deviceB.engine.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() must survive adversarial shards, error = %v", err)
	}
	if result.Skipped != 1 || result.Applied != 1 {
		t.Errorf("result = %+v, want 1 applied, 1 skipped", result)
	}

	if got, _ := deviceB.facts.Get("global:evil"); got != nil {
		t.Error("forged shard mutated state")
	}
	if got, _ := deviceB.facts.Get("global:good"); got == nil {
		t.Error("good shard should still apply")
	}
	version, _ := deviceB.meta.GetVersion(core.MetaCurrentVersion)
	if version != 1 {
		t.Errorf("current_version = %d, want 1 (same as the clean run)", version)
	}
}

func TestPull_SnapshotStartsReplay(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	rig := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	addShard := func(version uint32, shardType core.ShardType, key, value string) {
		fact := testutil.Fact(key, value)
		sh := core.Shard{
			ShardVersion: version,
			ShardID:      "manual",
			Type:         shardType,
			Operations:   []core.Op{{Op: core.OpUpsert, Fact: fact}},
		}
		plaintext, _ := shard.Serialize(sh)
		envelope, _ := crypto.Encrypt(plaintext, rig.aesKey)
		keypair := testutil.TestKeypair(t)
		mock.AddTransaction(map[string]string{
			archive.TagAppName:   archive.AppName,
			archive.TagWallet:    rig.address,
			archive.TagType:      string(shardType),
			archive.TagVersion:   strconv.FormatUint(uint64(version), 10),
			archive.TagTimestamp: "1700000000",
			archive.TagSignature: crypto.Sign(envelope, keypair.PrivateKey),
		}, envelope)
	}

	addShard(1, core.ShardDelta, "global:pre", "stale")
	addShard(2, core.ShardDelta, "global:also-pre", "stale")
	addShard(3, core.ShardSnapshot, "global:base", "fresh")
	addShard(4, core.ShardDelta, "global:after", "fresh")

	result, err := rig.engine.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("applied %d shards, want 2 (snapshot + later delta)", result.Applied)
	}

	if got, _ := rig.facts.Get("global:pre"); got != nil {
		t.Error("pre-snapshot delta should not be replayed")
	}
	if got, _ := rig.facts.Get("global:base"); got == nil {
		t.Error("snapshot contents missing")
	}
	if got, _ := rig.facts.Get("global:after"); got == nil {
		t.Error("post-snapshot delta missing")
	}
	if result.Version != 4 {
		t.Errorf("version = %d, want 4", result.Version)
	}
}

func TestPush_ShardCache(t *testing.T) {
	rig := newTestRig(t, mockservers.NewGatewayMockServer(t))
	ctx := testutil.TestContext(t)

	dir := t.TempDir()
	rig.engine.SetShardCache(dir)

	rig.facts.Upsert(testutil.Fact("global:k", "v"))
	if _, err := rig.engine.Push(ctx); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	cached, err := os.ReadFile(filepath.Join(dir, "1.shard"))
	if err != nil {
		t.Fatalf("read cached shard: %v", err)
	}
	txs := rig.mock.Transactions()
	if string(cached) != string(txs[0].Data) {
		t.Error("cached envelope differs from the uploaded one")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	rig := newTestRig(t, mock)
	ctx := testutil.TestContext(t)

	if _, err := rig.engine.PushIdentity(ctx, testSalt); err != nil {
		t.Fatalf("PushIdentity() error = %v", err)
	}

	client := archive.NewClient([]string{mock.GraphQLURL()}, []string{mock.DataURL()})
	record, err := FetchIdentity(ctx, client, rig.address)
	if err != nil {
		t.Fatalf("FetchIdentity() error = %v", err)
	}

	if string(record.Salt) != string(testSalt) {
		t.Errorf("Salt = %x, want %x", record.Salt, testSalt)
	}

	privBytes, err := crypto.Decrypt(record.EncryptedPrivateKey, rig.aesKey)
	if err != nil {
		t.Fatalf("decrypt identity record: %v", err)
	}
	keypair := testutil.TestKeypair(t)
	if string(privBytes) != string(keypair.PrivateKey.Serialize()) {
		t.Error("recovered private key differs from derived key")
	}
}

func TestFetchIdentity_NoRecord(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	client := archive.NewClient([]string{mock.GraphQLURL()}, []string{mock.DataURL()})

	_, err := FetchIdentity(testutil.TestContext(t), client, "NoSuchWallet")
	if err == nil {
		t.Fatal("FetchIdentity() should fail loudly when no record exists")
	}
}
