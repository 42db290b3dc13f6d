// Package core defines the fundamental types shared across sharme.
package core

import "time"

// Scope addresses a Fact: either the global namespace or a project.
type Scope string

// Global is the scope shared across every project.
const Global Scope = "global"

// IsProject reports whether the scope names a specific project.
func (s Scope) IsProject() bool {
	return len(s) > 8 && s[:8] == "project:"
}

// Fact is a single remembered piece of local/archive state.
type Fact struct {
	ID            string    `json:"id"`
	Scope         Scope     `json:"scope"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Tags          []string  `json:"tags"`
	Confidence    float64   `json:"confidence"`
	SourceSession string    `json:"source_session,omitempty"`
	Created       time.Time `json:"created"`
	LastConfirmed time.Time `json:"last_confirmed"`
	AccessCount   int64     `json:"access_count"`
	Dirty         bool      `json:"-"`
}

// PendingDelete is a tombstone queued for the next push.
type PendingDelete struct {
	Key       string    `json:"key"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ShardType discriminates the three shard kinds carried by the archive.
type ShardType string

const (
	ShardDelta    ShardType = "delta"
	ShardSnapshot ShardType = "snapshot"
	ShardIdentity ShardType = "identity"
)

// OpKind discriminates the two operation variants a shard can carry.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// Op is one mutation inside a shard's operation list.
type Op struct {
	Op   OpKind `json:"op"`
	Fact *Fact  `json:"fact,omitempty"`
	Key  string `json:"key,omitempty"`
}

// Shard is a signed, encrypted, tagged unit of the append-only remote log.
type Shard struct {
	ShardVersion uint32    `json:"shard_version"`
	ShardID      string    `json:"shard_id"`
	Type         ShardType `json:"type"`
	Operations   []Op      `json:"operations"`
}

// Client identifies which transcript source a Conversation came from.
type Client string

const (
	ClientCursor     Client = "cursor"
	ClientClaudeCode Client = "claude-code"
)

// Message is a single turn inside a Conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is a normalized transcript as emitted by the (external)
// transcript watcher.
type Conversation struct {
	ID        string    `json:"id"`
	Client    Client    `json:"client"`
	Project   string    `json:"project"`
	Session   string    `json:"session"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// ConversationMeta carries the conversation's identifying fields without
// its full message history, for use inside a segment payload.
type ConversationMeta struct {
	ID        string    `json:"id"`
	Client    Client    `json:"client"`
	Project   string    `json:"project"`
	Session   string    `json:"session"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationSegment is the plaintext wire payload for a contiguous
// message range, identified by offset/count against the full transcript.
type ConversationSegment struct {
	Conversation ConversationMeta `json:"conversation"`
	Messages     []Message        `json:"messages"`
	Offset       int              `json:"offset"`
	Count        int              `json:"count"`
}

// SharedConversationImport records a redeemed share link, keyed by share id.
type SharedConversationImport struct {
	ShareID      string       `json:"share_id"`
	Conversation Conversation `json:"conversation"`
	ImportedAt   time.Time    `json:"imported_at"`
}

// SharePayload is the plaintext wrapped and encrypted under a share_key.
type SharePayload struct {
	V            int          `json:"v"`
	CreatedAt    time.Time    `json:"createdAt"`
	Conversation Conversation `json:"conversation"`
}

// ShareToken is the out-of-band JSON carried by a share URL. The share
// key travels either in the clear (K) or wrapped for one recipient's
// transport key (EK holds the sender's ephemeral public key, WK the
// sealed share key).
type ShareToken struct {
	V   int    `json:"v"`
	SID string `json:"sid"`
	K   string `json:"k,omitempty"`
	T   string `json:"t,omitempty"`
	EK  string `json:"ek,omitempty"`
	WK  string `json:"wk,omitempty"`
}

// Tag is one name/value pair attached to an archive transaction.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Reserved Meta keys.
const (
	MetaCurrentVersion    = "current_version"
	MetaLastPushedVersion = "last_pushed_version"
	MetaCreated           = "created"
	MetaWalletAddress     = "wallet_address"
)

// ConversationOffsetKey builds the Meta key for a session's push cursor.
func ConversationOffsetKey(client Client, session string) string {
	return "conversation_offset:" + string(client) + ":" + session
}
