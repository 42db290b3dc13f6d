// Package share implements the one-shot share channel: a conversation
// encrypted under a fresh random key, uploaded once, and redeemable on
// any device through an out-of-band token carrying the key.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sharme/sharme/internal/archive"
	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/identity"
	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/sharmeerr"
	"github.com/sharme/sharme/internal/storage"
	"github.com/sharme/sharme/internal/upload"
)

// DownloadCapBytes caps a share payload download.
const DownloadCapBytes = 2 * 1024 * 1024

// URLScheme prefixes a share URL.
const URLScheme = "sharme://share/"

// shareKeySize is the share key length in bytes.
const shareKeySize = 32

// Channel issues and redeems conversation shares.
type Channel struct {
	archive *archive.Client
	backend upload.Backend
	imports *storage.ImportStore
	keypair *identity.Keypair
	log     *logging.Logger
}

// NewChannel creates a share channel.
func NewChannel(client *archive.Client, backend upload.Backend, imports *storage.ImportStore, keypair *identity.Keypair) *Channel {
	return &Channel{
		archive: client,
		backend: backend,
		imports: imports,
		keypair: keypair,
		log:     logging.WithField("component", "share"),
	}
}

// IssuedShare is the result of issuing a share.
type IssuedShare struct {
	ShareID string
	TxID    string
	Token   string
	URL     string
}

// Issue encrypts conv under a fresh share key, uploads the payload, and
// returns the out-of-band token that redeems it. The token carries the
// share key in the clear; use IssueTo when the token itself travels
// over an unauthenticated channel.
func (c *Channel) Issue(ctx context.Context, conv *core.Conversation) (*IssuedShare, error) {
	return c.issue(ctx, conv, nil)
}

// IssueTo issues a share whose token carries the share key wrapped for
// the holder of recipientPublic (a Curve25519 transport key), so an
// intercepted token alone cannot decrypt the payload.
func (c *Channel) IssueTo(ctx context.Context, conv *core.Conversation, recipientPublic []byte) (*IssuedShare, error) {
	if len(recipientPublic) == 0 {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "empty recipient transport key")
	}
	return c.issue(ctx, conv, recipientPublic)
}

func (c *Channel) issue(ctx context.Context, conv *core.Conversation, recipientPublic []byte) (*IssuedShare, error) {
	shareID := uuid.NewString()
	shareKey := make([]byte, shareKeySize)
	if _, err := rand.Read(shareKey); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "generate share key", err)
	}

	payload := core.SharePayload{
		V:            1,
		CreatedAt:    time.Now().UTC(),
		Conversation: *conv,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "serialize share payload", err)
	}
	ciphertext, err := crypto.Encrypt(plaintext, shareKey)
	if err != nil {
		return nil, err
	}
	signature := crypto.Sign(ciphertext, c.keypair.PrivateKey)

	tags := []core.Tag{
		{Name: archive.TagAppName, Value: archive.AppName},
		{Name: archive.TagType, Value: "conversation-share"},
		{Name: archive.TagShareID, Value: shareID},
		{Name: archive.TagWallet, Value: c.keypair.Address},
		{Name: archive.TagTimestamp, Value: strconv.FormatInt(time.Now().Unix(), 10)},
		{Name: archive.TagSignature, Value: signature},
		{Name: archive.TagContentType, Value: "application/octet-stream"},
	}

	txID, err := c.backend.Upload(ctx, ciphertext, tags)
	if err != nil {
		return nil, err
	}

	tokenData := core.ShareToken{V: 1, SID: shareID, T: txID}
	if recipientPublic != nil {
		ephemeralPublic, sealed, err := WrapShareKey(shareKey, recipientPublic)
		if err != nil {
			return nil, err
		}
		tokenData.EK = base64.RawURLEncoding.EncodeToString(ephemeralPublic)
		tokenData.WK = base64.RawURLEncoding.EncodeToString(sealed)
	} else {
		tokenData.K = base64.RawURLEncoding.EncodeToString(shareKey)
	}

	token, err := EncodeToken(tokenData)
	if err != nil {
		return nil, err
	}

	c.log.Info("issued share %s as %s", shareID, txID)
	return &IssuedShare{
		ShareID: shareID,
		TxID:    txID,
		Token:   token,
		URL:     URLScheme + token,
	}, nil
}

// EncodeToken wraps a share token as base64url JSON.
func EncodeToken(token core.ShareToken) (string, error) {
	raw, err := json.Marshal(token)
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.InvalidToken, "encode token", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseToken extracts and validates a share token from a share URL, a
// token= query parameter, or a bare token string.
func ParseToken(raw string) (*core.ShareToken, []byte, error) {
	tokenText := strings.TrimSpace(raw)

	if strings.Contains(tokenText, "://") {
		parsed, err := url.Parse(tokenText)
		if err != nil {
			return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "parse share URL", err)
		}
		if qt := parsed.Query().Get("token"); qt != "" {
			tokenText = qt
		} else {
			// Path tail: the last non-empty path segment, or the host
			// when the path is empty (sharme://<token> style URLs).
			tokenText = strings.Trim(parsed.Path, "/")
			if idx := strings.LastIndexByte(tokenText, '/'); idx >= 0 {
				tokenText = tokenText[idx+1:]
			}
			if tokenText == "" {
				tokenText = parsed.Host
			}
		}
	}
	if tokenText == "" {
		return nil, nil, sharmeerr.New(sharmeerr.InvalidToken, "empty token")
	}

	decoded, err := base64.RawURLEncoding.DecodeString(tokenText)
	if err != nil {
		// Tolerate padded tokens.
		decoded, err = base64.URLEncoding.DecodeString(tokenText)
		if err != nil {
			return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "decode token", err)
		}
	}

	var token core.ShareToken
	if err := json.Unmarshal(decoded, &token); err != nil {
		return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "parse token JSON", err)
	}
	if token.V != 1 || token.SID == "" {
		return nil, nil, sharmeerr.New(sharmeerr.InvalidToken, "token shape invalid")
	}

	// Wrapped form: the share key is sealed for a recipient transport
	// key and recovered at redeem time, not here.
	if token.K == "" {
		if token.EK == "" || token.WK == "" {
			return nil, nil, sharmeerr.New(sharmeerr.InvalidToken, "token carries no share key")
		}
		ephemeral, err := base64.RawURLEncoding.DecodeString(token.EK)
		if err != nil || len(ephemeral) != transportKeySize {
			return nil, nil, sharmeerr.New(sharmeerr.InvalidToken, "malformed ephemeral transport key")
		}
		return &token, nil, nil
	}

	shareKey, err := base64.RawURLEncoding.DecodeString(token.K)
	if err != nil {
		return nil, nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "decode share key", err)
	}
	if len(shareKey) != shareKeySize {
		return nil, nil, sharmeerr.New(sharmeerr.InvalidToken, "share key must be 32 bytes")
	}

	return &token, shareKey, nil
}

// Redeem resolves a share URL or token, downloads and decrypts the
// payload, and records the import. Redeeming an already-imported share
// returns DuplicateImport and changes nothing. Tokens whose share key
// is wrapped for a transport key need RedeemAs.
func (c *Channel) Redeem(ctx context.Context, rawURL string) (*core.SharedConversationImport, error) {
	return c.RedeemAs(ctx, rawURL, nil)
}

// RedeemAs redeems like Redeem, additionally unwrapping transport-
// wrapped tokens with the recipient's keypair.
func (c *Channel) RedeemAs(ctx context.Context, rawURL string, transportKey *TransportKeyPair) (*core.SharedConversationImport, error) {
	token, shareKey, err := ParseToken(rawURL)
	if err != nil {
		return nil, err
	}

	if shareKey == nil {
		if transportKey == nil {
			return nil, sharmeerr.New(sharmeerr.InvalidToken, "token requires a transport key to redeem")
		}
		ephemeral, _ := base64.RawURLEncoding.DecodeString(token.EK)
		sealed, err := base64.RawURLEncoding.DecodeString(token.WK)
		if err != nil {
			return nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "decode wrapped share key", err)
		}
		shareKey, err = transportKey.UnwrapShareKey(ephemeral, sealed)
		if err != nil {
			return nil, err
		}
	}

	imported, err := c.imports.Has(token.SID)
	if err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "check import ledger", err)
	}
	if imported {
		return nil, sharmeerr.New(sharmeerr.DuplicateImport, "share already imported: "+token.SID)
	}

	ciphertext, ref, err := c.resolvePayload(ctx, token)
	if err != nil {
		return nil, err
	}

	// A resolved share query carries the issuer's wallet and signature;
	// verify before decrypting. A token-only direct download has
	// neither, and possession of the share key proves authorization.
	if ref != nil && ref.Signature != "" && ref.Wallet != "" {
		if !crypto.Verify(ciphertext, ref.Signature, ref.Wallet) {
			return nil, sharmeerr.New(sharmeerr.SignatureInvalid, "share signature does not verify")
		}
	}

	plaintext, err := crypto.Decrypt(ciphertext, shareKey)
	if err != nil {
		return nil, err
	}

	var payload core.SharePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.InvalidToken, "parse share payload", err)
	}
	if payload.V != 1 || payload.Conversation.ID == "" {
		return nil, sharmeerr.New(sharmeerr.InvalidToken, "share payload shape invalid")
	}

	entry := &core.SharedConversationImport{
		ShareID:      token.SID,
		Conversation: payload.Conversation,
		ImportedAt:   time.Now().UTC(),
	}
	if err := c.imports.Save(entry); err != nil {
		return nil, sharmeerr.Wrap(sharmeerr.StoreCorruption, "record import", err)
	}

	c.log.Info("redeemed share %s", token.SID)
	return entry, nil
}

// resolvePayload downloads the share ciphertext: direct by transaction
// id when the token carries one, falling back to a Share-Id query.
func (c *Channel) resolvePayload(ctx context.Context, token *core.ShareToken) ([]byte, *archive.ShareRef, error) {
	if token.T != "" {
		data, err := c.archive.Download(ctx, token.T, DownloadCapBytes)
		if err == nil {
			return data, nil, nil
		}
		c.log.Debug("direct download %s failed, falling back to share query: %v", token.T, err)
	}

	ref, err := c.archive.QueryShare(ctx, token.SID)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.archive.Download(ctx, ref.TxID, DownloadCapBytes)
	if err != nil {
		return nil, nil, err
	}
	return data, ref, nil
}
