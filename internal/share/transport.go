package share

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/curve25519"

	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// transportKeySize is the length of Curve25519 public and private keys.
const transportKeySize = curve25519.PointSize

// Transport key exchange: when a share token travels over an
// unauthenticated channel, the share key inside it can be wrapped for a
// specific recipient. The recipient publishes a Curve25519 public key;
// the sender wraps with an ephemeral keypair so the wire carries no
// long-lived sender secret.

// TransportKeyPair is a recipient's Curve25519 keypair.
type TransportKeyPair struct {
	Public  []byte
	private []byte
}

// NewTransportKeyPair generates a recipient keypair.
func NewTransportKeyPair() (*TransportKeyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "generate transport key", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "derive transport public key", err)
	}
	return &TransportKeyPair{Public: public, private: private}, nil
}

// Encode serializes the private scalar for storage in
// $SHARME_HOME/transport.key. The public half re-derives on load.
func (kp *TransportKeyPair) Encode() string {
	return base64.RawURLEncoding.EncodeToString(kp.private)
}

// LoadTransportKeyPair restores a keypair persisted with Encode.
func LoadTransportKeyPair(encoded string) (*TransportKeyPair, error) {
	private, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(private) != transportKeySize {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "malformed transport key")
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "derive transport public key", err)
	}
	return &TransportKeyPair{Public: public, private: private}, nil
}

// PublicEncoded returns the public key in the form `sharme share
// create --to` accepts.
func (kp *TransportKeyPair) PublicEncoded() string {
	return base64.RawURLEncoding.EncodeToString(kp.Public)
}

// DecodeTransportPublic parses a recipient public key produced by
// PublicEncoded.
func DecodeTransportPublic(encoded string) ([]byte, error) {
	public, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(public) != transportKeySize {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "malformed recipient transport key")
	}
	return public, nil
}

// WrapShareKey seals shareKey for the holder of recipientPublic. The
// returned ephemeral public key travels alongside the sealed bytes.
func WrapShareKey(shareKey, recipientPublic []byte) (ephemeralPublic, sealed []byte, err error) {
	ephemeralPrivate := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "generate ephemeral key", err)
	}
	ephemeralPublic, err = curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "derive ephemeral public key", err)
	}

	shared, err := curve25519.X25519(ephemeralPrivate, recipientPublic)
	if err != nil {
		return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "transport key agreement", err)
	}
	wrapKey := sha256.Sum256(shared)

	sealed, err = crypto.Encrypt(shareKey, wrapKey[:])
	if err != nil {
		return nil, nil, err
	}
	return ephemeralPublic, sealed, nil
}

// UnwrapShareKey recovers a share key sealed by WrapShareKey.
func (kp *TransportKeyPair) UnwrapShareKey(ephemeralPublic, sealed []byte) ([]byte, error) {
	shared, err := curve25519.X25519(kp.private, ephemeralPublic)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "transport key agreement", err)
	}
	wrapKey := sha256.Sum256(shared)

	shareKey, err := crypto.Decrypt(sealed, wrapKey[:])
	if err != nil {
		return nil, err
	}
	if len(shareKey) != shareKeySize {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "unwrapped key has wrong size")
	}
	return shareKey, nil
}
