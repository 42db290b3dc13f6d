// Package identity derives a deterministic cryptographic identity from a
// 12-word BIP39 recovery phrase: the sole root secret of a sharme wallet.
package identity

import (
	"crypto/sha256"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"

	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// PhraseWords is the fixed word count of a sharme recovery phrase.
const PhraseWords = 12

// Keypair is the deterministic identity derived from a recovery phrase.
type Keypair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
	Address    string
}

// NewPhrase generates a fresh 12-word, 128-bit-entropy BIP39 phrase.
func NewPhrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.InvalidPhrase, "generate entropy", err)
	}
	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.InvalidPhrase, "build mnemonic", err)
	}
	return phrase, nil
}

// ValidatePhrase rejects a phrase of the wrong length, containing unknown
// words, or failing its BIP39 checksum.
func ValidatePhrase(phrase string) error {
	words := strings.Fields(normalize(phrase))
	if len(words) != PhraseWords {
		return sharmeerr.New(sharmeerr.InvalidPhrase, "phrase must have 12 words")
	}
	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return sharmeerr.New(sharmeerr.InvalidPhrase, "unknown word or bad checksum")
	}
	return nil
}

// normalize reduces a phrase to NFKD, lowercase, single-space-joined
// form so that derivation is a pure function of the phrase's meaning,
// not its incidental whitespace or case.
func normalize(phrase string) string {
	folded := norm.NFKD.String(strings.ToLower(strings.TrimSpace(phrase)))
	return strings.Join(strings.Fields(folded), " ")
}

// DeriveKeypair is a pure function of the normalized phrase text: the
// same phrase always yields the same keypair on any device.
func DeriveKeypair(phrase string) (*Keypair, error) {
	if err := ValidatePhrase(phrase); err != nil {
		return nil, err
	}
	normalized := normalize(phrase)

	// The BIP39 seed derivation (phrase + empty passphrase, PBKDF2) gives
	// 64 bytes of deterministic entropy; sharme hashes the first half
	// down to a 32-byte secp256k1 scalar. This keeps identity derivation
	// a pure function of phrase text alone, with no separate salt to
	// manage (the crypto package's Argon2id salt protects only the
	// at-rest encryption of the derived private key).
	seed := bip39.NewSeed(normalized, "")
	scalar := sha256.Sum256(seed[:32])

	priv := secp256k1.PrivKeyFromBytes(scalar[:])
	pub := priv.PubKey()

	return &Keypair{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    crypto.AddressFromPublicKey(pub),
	}, nil
}

// PublicKeyFromPrivate recovers the public key from a private key, so
// that callers (e.g. the push pipeline) can tag uploads without
// re-deriving from the phrase.
func PublicKeyFromPrivate(priv *secp256k1.PrivateKey) *secp256k1.PublicKey {
	return priv.PubKey()
}

// AddressFromPublicKey derives the wallet address from a public key.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	return crypto.AddressFromPublicKey(pub)
}
