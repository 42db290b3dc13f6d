// Package shard implements the delta/snapshot shard wire format: op list
// construction, canonical JSON serialization, and size-budgeted chunking.
package shard

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// CreateBudgetBytes is the per-shard size budget enforced at creation
// time, before encryption overhead.
const CreateBudgetBytes = 90 * 1024

// FactToUpsertOp strips the local-only Dirty flag and wraps f as an
// upsert operation.
func FactToUpsertOp(f core.Fact) core.Op {
	f.Dirty = false
	return core.Op{Op: core.OpUpsert, Fact: &f}
}

// DeleteOp wraps key as a delete operation.
func DeleteOp(key string) core.Op {
	return core.Op{Op: core.OpDelete, Key: key}
}

// Serialize produces canonical UTF-8 JSON for a shard. Field order is
// stable because core.Shard and core.Op are plain structs encoded by
// encoding/json, which always emits struct fields in declaration order.
func Serialize(s core.Shard) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "serialize shard", err)
	}
	return b, nil
}

// Deserialize parses a downloaded shard. It is strict: unknown op
// discriminators or malformed op shapes are rejected rather than
// silently dropped mid-parse, so a batch caller can make an all-or-
// nothing decision to skip the whole shard.
func Deserialize(data []byte) (core.Shard, error) {
	var raw struct {
		ShardVersion uint32            `json:"shard_version"`
		ShardID      string            `json:"shard_id"`
		Type         core.ShardType    `json:"type"`
		Operations   []json.RawMessage `json:"operations"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.Shard{}, sharmeerr.Wrap(sharmeerr.StoreCorruption, "parse shard JSON", err)
	}

	switch raw.Type {
	case core.ShardDelta, core.ShardSnapshot, core.ShardIdentity:
	default:
		return core.Shard{}, sharmeerr.New(sharmeerr.StoreCorruption, fmt.Sprintf("unknown shard type %q", raw.Type))
	}

	ops := make([]core.Op, 0, len(raw.Operations))
	for _, rawOp := range raw.Operations {
		op, err := parseOp(rawOp)
		if err != nil {
			return core.Shard{}, err
		}
		ops = append(ops, op)
	}

	return core.Shard{
		ShardVersion: raw.ShardVersion,
		ShardID:      raw.ShardID,
		Type:         raw.Type,
		Operations:   ops,
	}, nil
}

func parseOp(raw json.RawMessage) (core.Op, error) {
	var discriminator struct {
		Op core.OpKind `json:"op"`
	}
	if err := json.Unmarshal(raw, &discriminator); err != nil {
		return core.Op{}, sharmeerr.Wrap(sharmeerr.StoreCorruption, "parse op discriminator", err)
	}

	switch discriminator.Op {
	case core.OpUpsert:
		var body struct {
			Fact *core.Fact `json:"fact"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return core.Op{}, sharmeerr.Wrap(sharmeerr.StoreCorruption, "parse upsert op", err)
		}
		if body.Fact == nil || body.Fact.Key == "" {
			return core.Op{}, sharmeerr.New(sharmeerr.StoreCorruption, "upsert op missing fact.key")
		}
		body.Fact.Dirty = false
		return core.Op{Op: core.OpUpsert, Fact: body.Fact}, nil
	case core.OpDelete:
		var body struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return core.Op{}, sharmeerr.Wrap(sharmeerr.StoreCorruption, "parse delete op", err)
		}
		if body.Key == "" {
			return core.Op{}, sharmeerr.New(sharmeerr.StoreCorruption, "delete op missing key")
		}
		return core.Op{Op: core.OpDelete, Key: body.Key}, nil
	default:
		return core.Op{}, sharmeerr.New(sharmeerr.StoreCorruption, fmt.Sprintf("unknown op discriminator %q", discriminator.Op))
	}
}

// opSize returns the serialized byte size of a single op, used for the
// greedy bin-packing in CreateChunkedShards.
func opSize(op core.Op) (int, error) {
	b, err := json.Marshal(op)
	if err != nil {
		return 0, sharmeerr.Wrap(sharmeerr.StoreCorruption, "measure op size", err)
	}
	return len(b), nil
}

// shardOverheadBytes approximates the fixed JSON overhead around an
// empty operations array, so bin-packing a shard's ops against
// CreateBudgetBytes accounts for the envelope the ops sit inside.
const shardOverheadBytes = 128

// CreateChunkedShards packs a flat op list into one or more shards,
// starting a new shard (with an incrementing ShardVersion) whenever the
// next op would push the running serialized size past CreateBudgetBytes.
// Every shard carries at least one op, even if that op alone exceeds the
// budget (the budget is a target, not a hard per-op limit).
func CreateChunkedShards(ops []core.Op, startVersion uint32, shardIDSeed string) ([]core.Shard, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var shards []core.Shard
	version := startVersion
	current := make([]core.Op, 0)
	currentSize := shardOverheadBytes

	flush := func() {
		if len(current) == 0 {
			return
		}
		shards = append(shards, core.Shard{
			ShardVersion: version,
			ShardID:      shardID(shardIDSeed, version),
			Type:         core.ShardDelta,
			Operations:   current,
		})
		version++
		current = make([]core.Op, 0)
		currentSize = shardOverheadBytes
	}

	for _, op := range ops {
		size, err := opSize(op)
		if err != nil {
			return nil, err
		}
		if len(current) > 0 && currentSize+size > CreateBudgetBytes {
			flush()
		}
		current = append(current, op)
		currentSize += size
	}
	flush()

	return shards, nil
}

func shardID(seed string, version uint32) string {
	if seed == "" {
		seed = uuid.NewString()
	}
	return fmt.Sprintf("%s-%d", seed, version)
}

// NewShardIDSeed returns a fresh random seed for CreateChunkedShards.
func NewShardIDSeed() string {
	return uuid.NewString()
}

// ChunkBytes splits an already-encrypted payload into chunks of at most
// chunkSize bytes each, used for conversation segment upload. It never
// returns a zero-length chunk list
// for a non-empty payload, and never splits on anything but byte offset
// (the payload is opaque ciphertext by this point).
func ChunkBytes(payload []byte, chunkSize int) [][]byte {
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for offset := 0; offset < len(payload); offset += chunkSize {
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[offset:end])
	}
	return chunks
}
