// Package convo synchronizes conversation transcripts: each session's
// new message tail is pushed as one encrypted, signed segment split
// into byte-range chunks, and pulled segments are reassembled and
// merged back into full conversations.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
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

// Chunk size caps: segments are split at 90 KiB after encryption and
// re-downloaded under a 100 KiB cap.
const (
	SegmentChunkBytes = 90 * 1024
	ChunkPullCapBytes = 100 * 1024
)

// Watcher emits normalized conversations on change. Transcript file
// discovery and parsing live outside this package.
type Watcher interface {
	Conversations(ctx context.Context) ([]*core.Conversation, error)
}

// Syncer pushes and pulls conversation segments for one wallet.
type Syncer struct {
	meta    *storage.MetaStore
	archive *archive.Client
	backend upload.Backend
	keypair *identity.Keypair
	aesKey  []byte
	log     *logging.Logger
}

// NewSyncer creates a conversation syncer.
func NewSyncer(meta *storage.MetaStore, client *archive.Client, backend upload.Backend, keypair *identity.Keypair, aesKey []byte) *Syncer {
	return &Syncer{
		meta:    meta,
		archive: client,
		backend: backend,
		keypair: keypair,
		aesKey:  aesKey,
		log:     logging.WithField("component", "convo"),
	}
}

// PushConversation uploads the messages appended since the session's
// cursor as one segment. The cursor advances only after every chunk of
// the segment uploads, so a partial upload is retried whole next tick.
func (s *Syncer) PushConversation(ctx context.Context, conv *core.Conversation) error {
	cursorKey := core.ConversationOffsetKey(conv.Client, conv.Session)
	lastSynced, err := s.meta.GetOffset(cursorKey)
	if err != nil {
		return sharmeerr.Wrap(sharmeerr.StoreCorruption, "read conversation cursor", err)
	}

	if lastSynced >= len(conv.Messages) {
		return nil
	}
	tail := conv.Messages[lastSynced:]

	segment := core.ConversationSegment{
		Conversation: core.ConversationMeta{
			ID:        conv.ID,
			Client:    conv.Client,
			Project:   conv.Project,
			Session:   conv.Session,
			StartedAt: conv.StartedAt,
			UpdatedAt: conv.UpdatedAt,
		},
		Messages: tail,
		Offset:   lastSynced,
		Count:    len(tail),
	}

	plaintext, err := json.Marshal(segment)
	if err != nil {
		return sharmeerr.Wrap(sharmeerr.StoreCorruption, "serialize segment", err)
	}
	ciphertext, err := crypto.Encrypt(plaintext, s.aesKey)
	if err != nil {
		return err
	}
	// One signature over the full ciphertext, replicated on every
	// chunk, so reassembly verifies before decrypting.
	signature := crypto.Sign(ciphertext, s.keypair.PrivateKey)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	chunks := shard.ChunkBytes(ciphertext, SegmentChunkBytes)
	for i, chunk := range chunks {
		tags := []core.Tag{
			{Name: archive.TagAppName, Value: archive.AppName},
			{Name: archive.TagWallet, Value: s.keypair.Address},
			{Name: archive.TagType, Value: "conversation"},
			{Name: archive.TagClient, Value: string(conv.Client)},
			{Name: archive.TagProject, Value: conv.Project},
			{Name: archive.TagSession, Value: conv.Session},
			{Name: archive.TagOffset, Value: strconv.Itoa(lastSynced)},
			{Name: archive.TagCount, Value: strconv.Itoa(len(tail))},
			{Name: archive.TagChunk, Value: fmt.Sprintf("%d/%d", i+1, len(chunks))},
			{Name: archive.TagTimestamp, Value: timestamp},
			{Name: archive.TagSignature, Value: signature},
			{Name: archive.TagContentType, Value: "application/octet-stream"},
		}
		if _, err := s.backend.Upload(ctx, chunk, tags); err != nil {
			s.log.Warn("segment upload aborted at chunk %d/%d for %s: %v", i+1, len(chunks), conv.Session, err)
			return err
		}
	}

	if err := s.meta.SetOffset(cursorKey, len(conv.Messages)); err != nil {
		return sharmeerr.Wrap(sharmeerr.StoreCorruption, "advance conversation cursor", err)
	}

	s.log.Info("pushed segment %s offset=%d count=%d chunks=%d",
		conv.Session, lastSynced, len(tail), len(chunks))
	return nil
}

// PushAll pushes every conversation the watcher reports. Per-session
// failures are logged and skipped; one broken transcript must not stall
// the rest. Returns the number of sessions that uploaded a segment.
func (s *Syncer) PushAll(ctx context.Context, watcher Watcher) (int, error) {
	conversations, err := watcher.Conversations(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	for _, conv := range conversations {
		cursorKey := core.ConversationOffsetKey(conv.Client, conv.Session)
		before, _ := s.meta.GetOffset(cursorKey)
		if before >= len(conv.Messages) {
			continue
		}
		if err := s.PushConversation(ctx, conv); err != nil {
			s.log.Warn("push failed for session %s: %v", conv.Session, err)
			continue
		}
		pushed++
	}
	return pushed, nil
}

// segmentKey groups chunks into their segment.
type segmentKey struct {
	client    core.Client
	session   string
	offset    int
	count     int
	timestamp int64
}

// PullConversations reconstructs conversations from the wallet's
// segment chunks. Incomplete or invalid segments are dropped, never
// fatal.
func (s *Syncer) PullConversations(ctx context.Context) ([]*core.Conversation, error) {
	refs, err := s.archive.QueryConversationChunks(ctx, s.keypair.Address)
	if err != nil {
		return nil, err
	}

	groups := make(map[segmentKey][]archive.ChunkRef)
	var order []segmentKey
	for _, ref := range refs {
		key := segmentKey{ref.Client, ref.Session, ref.Offset, ref.Count, ref.Timestamp}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], ref)
	}

	type sessionKey struct {
		client  core.Client
		session string
	}
	segmentsBySession := make(map[sessionKey][]*core.ConversationSegment)

	for _, key := range order {
		segment, err := s.reassembleSegment(ctx, groups[key])
		if err != nil {
			s.log.Debug("dropping segment %s offset=%d: %v", key.session, key.offset, err)
			continue
		}
		sk := sessionKey{segment.Conversation.Client, segment.Conversation.Session}
		segmentsBySession[sk] = append(segmentsBySession[sk], segment)
	}

	var conversations []*core.Conversation
	for _, segments := range segmentsBySession {
		conversations = append(conversations, mergeSegments(segments))
	}
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].Session < conversations[j].Session
	})

	return conversations, nil
}

// reassembleSegment validates a chunk group, downloads and concatenates
// its chunks, verifies the replicated signature once over the whole
// ciphertext, then decrypts and parses the segment.
func (s *Syncer) reassembleSegment(ctx context.Context, chunks []archive.ChunkRef) (*core.ConversationSegment, error) {
	if len(chunks) == 0 {
		return nil, sharmeerr.New(sharmeerr.StoreCorruption, "empty chunk group")
	}

	total := chunks[0].ChunkTotal
	if len(chunks) != total {
		return nil, sharmeerr.New(sharmeerr.StoreCorruption,
			fmt.Sprintf("segment has %d chunks, labels say %d", len(chunks), total))
	}
	seen := make(map[int]bool, total)
	for _, chunk := range chunks {
		if chunk.ChunkTotal != total {
			return nil, sharmeerr.New(sharmeerr.StoreCorruption, "inconsistent chunk totals")
		}
		if seen[chunk.ChunkIndex] {
			return nil, sharmeerr.New(sharmeerr.StoreCorruption, "duplicate chunk index")
		}
		seen[chunk.ChunkIndex] = true
	}
	for i := 1; i <= total; i++ {
		if !seen[i] {
			return nil, sharmeerr.New(sharmeerr.StoreCorruption, fmt.Sprintf("missing chunk %d/%d", i, total))
		}
	}

	ordered := append([]archive.ChunkRef(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })

	var ciphertext []byte
	for _, chunk := range ordered {
		data, err := s.archive.Download(ctx, chunk.TxID, ChunkPullCapBytes)
		if err != nil {
			return nil, err
		}
		ciphertext = append(ciphertext, data...)
	}

	if !crypto.Verify(ciphertext, ordered[0].Signature, s.keypair.Address) {
		return nil, sharmeerr.New(sharmeerr.SignatureInvalid, "segment signature does not verify")
	}

	plaintext, err := crypto.Decrypt(ciphertext, s.aesKey)
	if err != nil {
		return nil, err
	}

	var segment core.ConversationSegment
	if err := json.Unmarshal(plaintext, &segment); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "parse segment", err)
	}
	if segment.Conversation.Session == "" || segment.Count != len(segment.Messages) {
		return nil, sharmeerr.New(sharmeerr.StoreCorruption, "segment shape invalid")
	}

	return &segment, nil
}

// mergeSegments merges one session's segments by ascending offset,
// concatenating messages. A segment whose offset overlaps the already-
// merged range is dropped; the earlier, lower-offset segment wins.
func mergeSegments(segments []*core.ConversationSegment) *core.Conversation {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].Offset < segments[j].Offset
	})

	first := segments[0]
	conv := &core.Conversation{
		ID:        first.Conversation.ID,
		Client:    first.Conversation.Client,
		Project:   first.Conversation.Project,
		Session:   first.Conversation.Session,
		StartedAt: first.Conversation.StartedAt,
		UpdatedAt: first.Conversation.UpdatedAt,
	}

	merged := 0
	for _, segment := range segments {
		if segment.Offset < merged {
			continue
		}
		conv.Messages = append(conv.Messages, segment.Messages...)
		merged = segment.Offset + segment.Count
		if segment.Conversation.UpdatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = segment.Conversation.UpdatedAt
		}
	}

	return conv
}
