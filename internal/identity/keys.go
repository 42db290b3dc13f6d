// Package identity handles the cryptographic identity of a sharme wallet.
// This is the most security-critical code in sharme.
package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// Vault is the on-disk representation of $SHARME_HOME/{salt,identity.enc}:
// a 16-byte Argon2id salt and the phrase-derived private key, wrapped
// under the phrase-derived AES key.
type Vault struct {
	homeDir string
}

// NewVault opens a vault rooted at homeDir ($SHARME_HOME).
func NewVault(homeDir string) *Vault {
	return &Vault{homeDir: homeDir}
}

func (v *Vault) saltPath() string     { return filepath.Join(v.homeDir, "salt") }
func (v *Vault) identityPath() string { return filepath.Join(v.homeDir, "identity.enc") }

// Exists reports whether a vault has already been initialized.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.identityPath())
	return err == nil
}

// Create derives the keypair from phrase, generates a fresh salt, and
// writes salt + identity.enc. It refuses to overwrite an existing vault.
func (v *Vault) Create(phrase string) (*Keypair, error) {
	if v.Exists() {
		return nil, sharmeerr.New(sharmeerr.NotInitialized, "vault already initialized")
	}

	keypair, err := DeriveKeypair(phrase)
	if err != nil {
		return nil, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(v.homeDir, 0700); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "create SHARME_HOME", err)
	}

	aesKey := crypto.DeriveKey(normalize(phrase), salt)
	envelope, err := crypto.Encrypt(keypair.PrivateKey.Serialize(), aesKey)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(v.saltPath(), salt, 0600); err != nil {
		v.teardown()
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "write salt", err)
	}
	if err := os.WriteFile(v.identityPath(), envelope, 0600); err != nil {
		v.teardown()
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "write identity.enc", err)
	}

	return keypair, nil
}

// Open decrypts the vault with phrase, re-deriving the keypair from the
// phrase itself (DeriveKeypair is deterministic) and cross-checking it
// decrypts the stored envelope, so a wrong phrase fails loudly.
func (v *Vault) Open(phrase string) (*Keypair, error) {
	keypair, err := DeriveKeypair(phrase)
	if err != nil {
		return nil, err
	}

	salt, err := os.ReadFile(v.saltPath())
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.NotInitialized, "read salt", err)
	}
	envelope, err := os.ReadFile(v.identityPath())
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.NotInitialized, "read identity.enc", err)
	}

	aesKey := crypto.DeriveKey(normalize(phrase), salt)
	plaintext, err := crypto.Decrypt(envelope, aesKey)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.DecryptFailed, "wrong phrase or corrupted vault", err)
	}
	if fmt.Sprintf("%x", plaintext) != fmt.Sprintf("%x", keypair.PrivateKey.Serialize()) {
		return nil, sharmeerr.New(sharmeerr.DecryptFailed, "vault does not match derived identity")
	}

	return keypair, nil
}

// Salt reads the vault's KDF salt.
func (v *Vault) Salt() ([]byte, error) {
	salt, err := os.ReadFile(v.saltPath())
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.NotInitialized, "read salt", err)
	}
	return salt, nil
}

// DeriveAESKey derives the envelope key from phrase and the stored salt.
func (v *Vault) DeriveAESKey(phrase string) ([]byte, error) {
	salt, err := v.Salt()
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(normalize(phrase), salt), nil
}

// Teardown removes the vault files. A failed init must never leave a
// half-written SHARME_HOME behind.
func (v *Vault) Teardown() {
	v.teardown()
}

// teardown removes a partially-created vault.
func (v *Vault) teardown() {
	os.Remove(v.saltPath())
	os.Remove(v.identityPath())
}
