// Package sync implements the durable-sync engine: draining dirty local
// state into encrypted signed shards on push, and reconstructing
// authoritative state from the archive's append-only log on pull.
package sync

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sharme/sharme/internal/archive"
	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/identity"
	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/shard"
	"github.com/sharme/sharme/internal/sharmeerr"
	"github.com/sharme/sharme/internal/storage"
	"github.com/sharme/sharme/internal/upload"
)

// Download caps. The pull cap exceeds the 90 KiB creation budget so
// envelopes that grew under encryption overhead still fit.
const (
	PullCapBytes     = 100 * 1024
	IdentityCapBytes = 16 * 1024
)

// Engine drives push and pull between the local store and the archive.
type Engine struct {
	facts    *storage.FactStore
	meta     *storage.MetaStore
	archive  *archive.Client
	backend  upload.Backend
	keypair  *identity.Keypair
	aesKey   []byte
	shardDir string
	log      *logging.Logger
}

// SetShardCache makes Push keep a copy of every uploaded envelope under
// dir ($SHARME_HOME/shards), named by version. Purely local; pull never
// reads it.
func (e *Engine) SetShardCache(dir string) {
	e.shardDir = dir
}

// NewEngine creates a sync engine. aesKey is the phrase-derived AES key
// used for every shard envelope.
func NewEngine(facts *storage.FactStore, meta *storage.MetaStore, client *archive.Client, backend upload.Backend, keypair *identity.Keypair, aesKey []byte) *Engine {
	return &Engine{
		facts:   facts,
		meta:    meta,
		archive: client,
		backend: backend,
		keypair: keypair,
		aesKey:  aesKey,
		log:     logging.WithField("component", "sync"),
	}
}

// PushResult summarizes one push tick.
type PushResult struct {
	Shards      int
	Ops         int
	LastVersion uint32
}

// Push drains dirty facts and pending deletes into chunked delta shards
// and uploads them in ascending version order. Any upload failure aborts
// the whole push without touching local meta, so the next tick retries
// the entire op set. Only after every shard uploads does one local
// transaction clear dirty state and advance the version bookkeeping.
func (e *Engine) Push(ctx context.Context) (*PushResult, error) {
	dirty, err := e.facts.GetDirty()
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "read dirty facts", err)
	}
	deletes, err := e.facts.GetPendingDeletes()
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "read pending deletes", err)
	}

	if len(dirty) == 0 && len(deletes) == 0 {
		return &PushResult{}, nil
	}

	ops := make([]core.Op, 0, len(dirty)+len(deletes))
	for _, f := range dirty {
		ops = append(ops, shard.FactToUpsertOp(*f))
	}
	for _, pd := range deletes {
		ops = append(ops, shard.DeleteOp(pd.Key))
	}

	current, err := e.meta.GetVersion(core.MetaCurrentVersion)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "read current version", err)
	}

	shards, err := shard.CreateChunkedShards(ops, current+1, shard.NewShardIDSeed())
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for _, s := range shards {
		if err := e.uploadShard(ctx, s); err != nil {
			e.log.Warn("push aborted at version %d: %v", s.ShardVersion, err)
			return nil, err
		}
	}

	last := shards[len(shards)-1].ShardVersion
	if err := e.facts.CompletePush(last); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "complete push", err)
	}

	e.log.Info("pushed %d shards (%d ops) to version %d in %s",
		len(shards), len(ops), last, time.Since(start).Round(time.Millisecond))

	return &PushResult{Shards: len(shards), Ops: len(ops), LastVersion: last}, nil
}

// uploadShard serializes, encrypts, signs and uploads one shard.
func (e *Engine) uploadShard(ctx context.Context, s core.Shard) error {
	plaintext, err := shard.Serialize(s)
	if err != nil {
		return err
	}
	envelope, err := crypto.Encrypt(plaintext, e.aesKey)
	if err != nil {
		return err
	}
	signature := crypto.Sign(envelope, e.keypair.PrivateKey)

	tags := []core.Tag{
		{Name: archive.TagAppName, Value: archive.AppName},
		{Name: archive.TagWallet, Value: e.keypair.Address},
		{Name: archive.TagType, Value: string(s.Type)},
		{Name: archive.TagVersion, Value: strconv.FormatUint(uint64(s.ShardVersion), 10)},
		{Name: archive.TagTimestamp, Value: strconv.FormatInt(time.Now().Unix(), 10)},
		{Name: archive.TagSignature, Value: signature},
		{Name: archive.TagContentType, Value: "application/octet-stream"},
	}

	if _, err := e.backend.Upload(ctx, envelope, tags); err != nil {
		return err
	}

	if e.shardDir != "" {
		name := filepath.Join(e.shardDir, fmt.Sprintf("%d.shard", s.ShardVersion))
		if err := os.WriteFile(name, envelope, 0600); err != nil {
			e.log.Debug("shard cache write failed: %v", err)
		}
	}
	return nil
}

// PullResult summarizes one reconstruction.
type PullResult struct {
	Applied int
	Skipped int
	Facts   int
	Version uint32
}

// Pull reconstructs state from the archive and writes it into the local
// store. Replay starts from the highest-versioned snapshot when one
// exists, then applies every delta above it in strict version order.
// A shard that fails download, signature, decryption or parsing is
// skipped; one corrupted or adversarial shard must not deny service.
func (e *Engine) Pull(ctx context.Context) (*PullResult, error) {
	refs, err := e.archive.QueryShards(ctx, e.keypair.Address)
	if err != nil {
		return nil, err
	}

	var selected []archive.ShardRef
	snapshotVersion := uint32(0)
	for _, ref := range refs {
		switch ref.Type {
		case core.ShardDelta, core.ShardSnapshot:
			selected = append(selected, ref)
			if ref.Type == core.ShardSnapshot && ref.Version > snapshotVersion {
				snapshotVersion = ref.Version
			}
		}
	}

	state := make(map[string]*core.Fact)
	deleted := make(map[string]bool)
	result := &PullResult{}

	for _, ref := range selected {
		if ref.Version < snapshotVersion {
			continue
		}
		sh, err := e.fetchShard(ctx, ref)
		if err != nil {
			e.log.Debug("skipping shard v%d (%s): %v", ref.Version, ref.TxID, err)
			result.Skipped++
			continue
		}

		for _, op := range sh.Operations {
			switch op.Op {
			case core.OpUpsert:
				fact := *op.Fact
				fact.Dirty = false
				state[fact.Key] = &fact
				delete(deleted, fact.Key)
			case core.OpDelete:
				delete(state, op.Key)
				deleted[op.Key] = true
			}
		}

		result.Applied++
		if ref.Version > result.Version {
			result.Version = ref.Version
		}
	}

	if result.Applied == 0 {
		return result, nil
	}

	facts := make([]*core.Fact, 0, len(state))
	for _, f := range state {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].Key < facts[j].Key })

	deletedKeys := make([]string, 0, len(deleted))
	for key := range deleted {
		deletedKeys = append(deletedKeys, key)
	}
	sort.Strings(deletedKeys)

	if err := e.facts.ApplyReconstructed(facts, deletedKeys, result.Version); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "apply reconstruction", err)
	}

	result.Facts = len(facts)
	e.log.Info("pull applied %d shards (%d skipped), %d facts at version %d",
		result.Applied, result.Skipped, result.Facts, result.Version)

	return result, nil
}

// fetchShard downloads, verifies, decrypts and parses one shard. Every
// downloaded byte string is untrusted until all four steps pass.
func (e *Engine) fetchShard(ctx context.Context, ref archive.ShardRef) (*core.Shard, error) {
	envelope, err := e.archive.Download(ctx, ref.TxID, PullCapBytes)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(envelope, ref.Signature, ref.Wallet) {
		return nil, sharmeerr.New(sharmeerr.SignatureInvalid, "shard signature does not verify")
	}
	plaintext, err := crypto.Decrypt(envelope, e.aesKey)
	if err != nil {
		return nil, err
	}
	sh, err := shard.Deserialize(plaintext)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// IdentityRecord is the decoded archive identity record for a wallet.
type IdentityRecord struct {
	Salt                []byte
	EncryptedPrivateKey []byte
}

// FetchIdentity resolves a wallet's identity record: the newest
// identity-typed shard (ties broken by transaction id descending). It
// is a single-object critical path and fails loudly; a legacy record
// without a Salt tag is an error, never a guessed salt.
func FetchIdentity(ctx context.Context, client *archive.Client, address string) (*IdentityRecord, error) {
	refs, err := client.QueryShards(ctx, address)
	if err != nil {
		return nil, err
	}

	var identities []archive.ShardRef
	for _, ref := range refs {
		if ref.Type == core.ShardIdentity {
			identities = append(identities, ref)
		}
	}
	if len(identities) == 0 {
		return nil, sharmeerr.New(sharmeerr.NotInitialized, "no identity record for "+address)
	}

	sort.Slice(identities, func(i, j int) bool {
		if identities[i].Timestamp != identities[j].Timestamp {
			return identities[i].Timestamp > identities[j].Timestamp
		}
		return identities[i].TxID > identities[j].TxID
	})
	newest := identities[0]

	if newest.Salt == "" {
		return nil, sharmeerr.New(sharmeerr.NotInitialized, "identity record carries no salt")
	}
	salt, err := hex.DecodeString(newest.Salt)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.NotInitialized, "malformed salt tag", err)
	}

	data, err := client.Download(ctx, newest.TxID, IdentityCapBytes)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(data, newest.Signature, address) {
		return nil, sharmeerr.New(sharmeerr.SignatureInvalid, "identity record signature does not verify")
	}

	return &IdentityRecord{Salt: salt, EncryptedPrivateKey: data}, nil
}

// PushIdentity uploads the wallet's identity record: the private key
// wrapped under the phrase-derived AES key, salt carried in tags.
func (e *Engine) PushIdentity(ctx context.Context, salt []byte) (string, error) {
	envelope, err := crypto.Encrypt(e.keypair.PrivateKey.Serialize(), e.aesKey)
	if err != nil {
		return "", err
	}
	signature := crypto.Sign(envelope, e.keypair.PrivateKey)

	tags := []core.Tag{
		{Name: archive.TagAppName, Value: archive.AppName},
		{Name: archive.TagWallet, Value: e.keypair.Address},
		{Name: archive.TagType, Value: string(core.ShardIdentity)},
		{Name: archive.TagSalt, Value: fmt.Sprintf("%x", salt)},
		{Name: archive.TagTimestamp, Value: strconv.FormatInt(time.Now().Unix(), 10)},
		{Name: archive.TagSignature, Value: signature},
		{Name: archive.TagContentType, Value: "application/octet-stream"},
	}

	return e.backend.Upload(ctx, envelope, tags)
}
