package testutil

import (
	"testing"
	"time"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/identity"
)

// TestPhrase is a fixed valid 12-word recovery phrase (all-zero
// entropy) used wherever tests need a deterministic identity.
const TestPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// TestKeypair derives the keypair for TestPhrase.
func TestKeypair(t *testing.T) *identity.Keypair {
	t.Helper()
	keypair, err := identity.DeriveKeypair(TestPhrase)
	if err != nil {
		t.Fatalf("derive test keypair: %v", err)
	}
	return keypair
}

// Fact builds a fact fixture with sane defaults.
func Fact(key, value string) *core.Fact {
	now := time.Now().UTC()
	return &core.Fact{
		ID:            "id-" + key,
		Scope:         core.Global,
		Key:           key,
		Value:         value,
		Tags:          []string{"test"},
		Confidence:    1.0,
		Created:       now,
		LastConfirmed: now,
	}
}

// Conversation builds a conversation fixture with n messages.
func Conversation(session string, n int) *core.Conversation {
	now := time.Now().UTC()
	conv := &core.Conversation{
		ID:        "conv-" + session,
		Client:    core.ClientCursor,
		Project:   "sharme",
		Session:   session,
		StartedAt: now.Add(-time.Hour),
		UpdatedAt: now,
	}
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		conv.Messages = append(conv.Messages, core.Message{
			Role:    role,
			Content: "message " + string(rune('a'+i%26)),
		})
	}
	return conv
}
