// Package upload submits signed payloads to the archive through a
// bundler node. The backend is a pluggable capability: the sync engine
// only sees the Backend interface.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/logging"
	"github.com/sharme/sharme/internal/sharmeerr"
)

// Backend uploads a payload with its tags and returns the resulting
// transaction id. Errors are retryable by upper layers.
type Backend interface {
	Upload(ctx context.Context, data []byte, tags []core.Tag) (string, error)
}

// Bundler endpoints. The testnet switch routes to devnet.
const (
	MainnetEndpoint = "https://node2.irys.xyz"
	TestnetEndpoint = "https://devnet.irys.xyz"
)

// BundlerBackend signs payloads with the identity private key and
// submits them to a bundler node.
type BundlerBackend struct {
	endpoint   string
	privateKey *secp256k1.PrivateKey
	address    string
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures a BundlerBackend.
type Option func(*BundlerBackend)

// WithEndpoint overrides the bundler endpoint (used by tests).
func WithEndpoint(endpoint string) Option {
	return func(b *BundlerBackend) {
		b.endpoint = endpoint
	}
}

// NewBundler creates a bundler backend for the identity keypair.
// testnet selects the devnet endpoint. If SHARME_BUNDLER_CLIENT_ID and
// SHARME_BUNDLER_CLIENT_SECRET are set, requests carry an OAuth2
// client-credentials bearer token; otherwise they go unauthenticated.
func NewBundler(privateKey *secp256k1.PrivateKey, address string, testnet bool, opts ...Option) *BundlerBackend {
	endpoint := MainnetEndpoint
	if testnet {
		endpoint = TestnetEndpoint
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	if id := os.Getenv("SHARME_BUNDLER_CLIENT_ID"); id != "" {
		creds := clientcredentials.Config{
			ClientID:     id,
			ClientSecret: os.Getenv("SHARME_BUNDLER_CLIENT_SECRET"),
			TokenURL:     endpoint + "/oauth/token",
		}
		httpClient = creds.Client(context.Background())
		httpClient.Timeout = 60 * time.Second
	}

	b := &BundlerBackend{
		endpoint:   endpoint,
		privateKey: privateKey,
		address:    address,
		httpClient: httpClient,
		log:        logging.WithField("component", "upload"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// uploadRequest is the bundler's native item shape: the payload, its
// tags, and the owner's signature over the payload bytes.
type uploadRequest struct {
	Data      string     `json:"data"`
	Tags      []core.Tag `json:"tags"`
	Owner     string     `json:"owner"`
	Signature string     `json:"signature"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload signs data with the identity private key and submits it.
func (b *BundlerBackend) Upload(ctx context.Context, data []byte, tags []core.Tag) (string, error) {
	request := uploadRequest{
		Data:      base64.RawURLEncoding.EncodeToString(data),
		Tags:      tags,
		Owner:     b.address,
		Signature: crypto.Sign(data, b.privateKey),
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.GatewayError, "marshal upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/tx", bytes.NewReader(body))
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.GatewayError, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", sharmeerr.Wrap(sharmeerr.NetworkUnavailable, "bundler unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", sharmeerr.New(sharmeerr.GatewayError,
			fmt.Sprintf("bundler status %d: %s", resp.StatusCode, msg))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", sharmeerr.Wrap(sharmeerr.GatewayError, "decode response", err)
	}
	if parsed.ID == "" {
		return "", sharmeerr.New(sharmeerr.GatewayError, "bundler returned empty tx id")
	}

	b.log.Debug("uploaded %d bytes as %s", len(data), parsed.ID)
	return parsed.ID, nil
}
