package share

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestTransportWrapUnwrap(t *testing.T) {
	recipient, err := NewTransportKeyPair()
	if err != nil {
		t.Fatalf("NewTransportKeyPair() error = %v", err)
	}

	shareKey := make([]byte, 32)
	rand.Read(shareKey)

	ephemeralPublic, sealed, err := WrapShareKey(shareKey, recipient.Public)
	if err != nil {
		t.Fatalf("WrapShareKey() error = %v", err)
	}
	if bytes.Equal(sealed, shareKey) {
		t.Fatal("sealed key must not equal the plaintext key")
	}

	recovered, err := recipient.UnwrapShareKey(ephemeralPublic, sealed)
	if err != nil {
		t.Fatalf("UnwrapShareKey() error = %v", err)
	}
	if !bytes.Equal(recovered, shareKey) {
		t.Error("unwrapped key differs from original")
	}
}

func TestTransportUnwrap_WrongRecipient(t *testing.T) {
	recipient, _ := NewTransportKeyPair()
	eavesdropper, _ := NewTransportKeyPair()

	shareKey := make([]byte, 32)
	rand.Read(shareKey)

	ephemeralPublic, sealed, err := WrapShareKey(shareKey, recipient.Public)
	if err != nil {
		t.Fatalf("WrapShareKey() error = %v", err)
	}

	if _, err := eavesdropper.UnwrapShareKey(ephemeralPublic, sealed); err == nil {
		t.Error("a different keypair must not unwrap the share key")
	}
}
