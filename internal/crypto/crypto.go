// Package crypto implements the cryptographic primitives sharme layers
// every shard, segment and share payload on top of: an Argon2id KDF, an
// AES-256-GCM envelope, and secp256k1 signing over the envelope bytes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/argon2"

	"github.com/sharme/sharme/internal/sharmeerr"
)

// KDF parameters are pinned so that derive_key is deterministic given
// (phrase, salt) alone, on any device.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32

	// SaltSize is the size in bytes of the KDF salt persisted at
	// $SHARME_HOME/salt.
	SaltSize = 16

	nonceSize = 12
	tagSize   = 16
)

// DeriveKey runs Argon2id over phrase+salt with the pinned parameters.
// It is a pure function: same phrase and salt always yield the same key.
func DeriveKey(phrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(phrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
}

// NewSalt returns SaltSize fresh random bytes from a CSPRNG.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "generate salt", err)
	}
	return salt, nil
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// nonce(12) ∥ ciphertext ∥ tag(16).
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "create GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "generate nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt. It fails if the envelope
// is too short or the tag does not verify.
func Decrypt(envelope, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "create GCM", err)
	}
	if len(envelope) < gcm.NonceSize()+tagSize {
		return nil, sharmeerr.New(sharmeerr.DecryptFailed, "envelope too short")
	}
	nonce, ciphertext := envelope[:gcm.NonceSize()], envelope[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "open envelope", err)
	}
	return plaintext, nil
}

// Sign produces a compact hex-encoded, recoverable secp256k1 signature
// over sha256(bytes). The signature encodes enough information (a
// recovery id) that Verify can recover the signer's public key without
// it being transmitted alongside.
func Sign(bytes []byte, priv *secp256k1.PrivateKey) string {
	digest := sha256.Sum256(bytes)
	sig := ecdsa.SignCompact(priv, digest[:], true)
	return fmt.Sprintf("%x", sig)
}

// Verify recovers the public key from signatureHex and sha256(bytes),
// derives its address, and reports whether it matches address. Flipping
// any byte of bytes or of the signature makes verification fail.
func Verify(bytes []byte, signatureHex string, address string) bool {
	sigBytes, err := hexDecode(signatureHex)
	if err != nil || len(sigBytes) == 0 {
		return false
	}
	digest := sha256.Sum256(bytes)
	pub, _, err := ecdsa.RecoverCompact(sigBytes, digest[:])
	if err != nil {
		return false
	}
	return AddressFromPublicKey(pub) == address
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex character %q", c)
	}
}
