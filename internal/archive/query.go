package archive

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// ShardRef is an accepted shard transaction: the metadata the sync
// engine needs before deciding to download.
type ShardRef struct {
	TxID      string
	Type      core.ShardType
	Version   uint32
	Wallet    string
	Signature string
	Salt      string
	Timestamp int64
}

// QueryShards returns the wallet's shard transactions in canonical
// replay order (Version ascending, stable). Rows failing the strict
// acceptance rules are skipped, never surfaced as errors: one bad tag
// set must not deny the whole reconstruction.
func (c *Client) QueryShards(ctx context.Context, wallet string) ([]ShardRef, error) {
	hits, err := c.QueryTransactions(ctx, []TagFilter{
		{Name: TagAppName, Values: []string{AppName}},
		{Name: TagWallet, Values: []string{wallet}},
	}, false)
	if err != nil {
		return nil, err
	}

	var refs []ShardRef
	for _, hit := range hits {
		ref, ok := acceptShard(hit, wallet)
		if !ok {
			c.log.Debug("skipping tx %s: failed shard acceptance", hit.ID)
			continue
		}
		refs = append(refs, ref)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Version < refs[j].Version
	})

	return refs, nil
}

// acceptShard applies the strict shard acceptance rules to one hit.
func acceptShard(hit TxMeta, wallet string) (ShardRef, bool) {
	shardType := core.ShardType(hit.Tags[TagType])
	switch shardType {
	case core.ShardDelta, core.ShardSnapshot, core.ShardIdentity:
	default:
		return ShardRef{}, false
	}

	if !strings.EqualFold(hit.Tags[TagWallet], wallet) {
		return ShardRef{}, false
	}
	if hit.Tags[TagSignature] == "" {
		return ShardRef{}, false
	}

	var version uint32
	if shardType == core.ShardIdentity {
		version = 0
	} else {
		v, err := strconv.ParseUint(hit.Tags[TagVersion], 10, 32)
		if err != nil || v < 1 {
			return ShardRef{}, false
		}
		version = uint32(v)
	}

	timestamp, _ := strconv.ParseInt(hit.Tags[TagTimestamp], 10, 64)

	return ShardRef{
		TxID:      hit.ID,
		Type:      shardType,
		Version:   version,
		Wallet:    hit.Tags[TagWallet],
		Signature: hit.Tags[TagSignature],
		Salt:      hit.Tags[TagSalt],
		Timestamp: timestamp,
	}, true
}

// ChunkRef is an accepted conversation-chunk transaction.
type ChunkRef struct {
	TxID       string
	Client     core.Client
	Project    string
	Session    string
	Offset     int
	Count      int
	ChunkIndex int
	ChunkTotal int
	Timestamp  int64
	Signature  string
}

// QueryConversationChunks returns the wallet's conversation chunks
// sorted by (session, offset, chunkIndex, timestamp). Invalid rows are
// skipped.
func (c *Client) QueryConversationChunks(ctx context.Context, wallet string) ([]ChunkRef, error) {
	hits, err := c.QueryTransactions(ctx, []TagFilter{
		{Name: TagAppName, Values: []string{AppName}},
		{Name: TagWallet, Values: []string{wallet}},
		{Name: TagType, Values: []string{"conversation"}},
	}, false)
	if err != nil {
		return nil, err
	}

	var refs []ChunkRef
	for _, hit := range hits {
		ref, ok := acceptChunk(hit)
		if !ok {
			c.log.Debug("skipping tx %s: failed chunk acceptance", hit.ID)
			continue
		}
		refs = append(refs, ref)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.Session != b.Session {
			return a.Session < b.Session
		}
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.ChunkIndex != b.ChunkIndex {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.Timestamp < b.Timestamp
	})

	return refs, nil
}

func acceptChunk(hit TxMeta) (ChunkRef, bool) {
	client := core.Client(hit.Tags[TagClient])
	switch client {
	case core.ClientCursor, core.ClientClaudeCode:
	default:
		return ChunkRef{}, false
	}

	project := hit.Tags[TagProject]
	session := hit.Tags[TagSession]
	if project == "" || session == "" {
		return ChunkRef{}, false
	}
	if hit.Tags[TagSignature] == "" {
		return ChunkRef{}, false
	}

	offset, err := strconv.Atoi(hit.Tags[TagOffset])
	if err != nil || offset < 0 {
		return ChunkRef{}, false
	}
	count, err := strconv.Atoi(hit.Tags[TagCount])
	if err != nil || count < 0 {
		return ChunkRef{}, false
	}

	index, total, ok := parseChunk(hit.Tags[TagChunk])
	if !ok {
		return ChunkRef{}, false
	}

	timestamp, _ := strconv.ParseInt(hit.Tags[TagTimestamp], 10, 64)

	return ChunkRef{
		TxID:       hit.ID,
		Client:     client,
		Project:    project,
		Session:    session,
		Offset:     offset,
		Count:      count,
		ChunkIndex: index,
		ChunkTotal: total,
		Timestamp:  timestamp,
		Signature:  hit.Tags[TagSignature],
	}, true
}

// parseChunk parses "i/total" with 1 <= i <= total.
func parseChunk(s string) (index, total int, ok bool) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, 0, false
	}
	index, err := strconv.Atoi(s[:slash])
	if err != nil {
		return 0, 0, false
	}
	total, err = strconv.Atoi(s[slash+1:])
	if err != nil {
		return 0, 0, false
	}
	if index < 1 || total < 1 || index > total {
		return 0, 0, false
	}
	return index, total, true
}

// ShareRef is the newest transaction carrying a share id.
type ShareRef struct {
	TxID      string
	Wallet    string
	Signature string
}

// QueryShare resolves a share id to its newest transaction, or an
// InvalidToken error if the archive has never seen it. Share lookups
// are single-object critical paths and fail loudly.
func (c *Client) QueryShare(ctx context.Context, shareID string) (*ShareRef, error) {
	hits, err := c.QueryTransactions(ctx, []TagFilter{
		{Name: TagAppName, Values: []string{AppName}},
		{Name: TagType, Values: []string{"conversation-share"}},
		{Name: TagShareID, Values: []string{shareID}},
	}, true)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "share not found: "+shareID)
	}

	hit := hits[0]
	return &ShareRef{
		TxID:      hit.ID,
		Wallet:    hit.Tags[TagWallet],
		Signature: hit.Tags[TagSignature],
	}, nil
}
