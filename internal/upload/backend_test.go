package upload

import (
	"testing"

	"github.com/sharme/sharme/internal/archive"
	"github.com/sharme/sharme/internal/core"
	"github.com/sharme/sharme/internal/crypto"
	"github.com/sharme/sharme/internal/sharmeerr"
	"github.com/sharme/sharme/internal/testutil"
	"github.com/sharme/sharme/internal/testutil/mockservers"
)

func TestBundler_Upload(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	keypair := testutil.TestKeypair(t)

	backend := NewBundler(keypair.PrivateKey, keypair.Address, false,
		WithEndpoint(mock.UploadURL()))

	payload := []byte("encrypted shard bytes")
	tags := []core.Tag{
		{Name: archive.TagAppName, Value: archive.AppName},
		{Name: archive.TagWallet, Value: keypair.Address},
		{Name: archive.TagType, Value: "delta"},
	}

	txID, err := backend.Upload(testutil.TestContext(t), payload, tags)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if txID == "" {
		t.Fatal("Upload() returned empty tx id")
	}

	stored := mock.Transactions()
	if len(stored) != 1 {
		t.Fatalf("gateway stored %d txs, want 1", len(stored))
	}
	if string(stored[0].Data) != string(payload) {
		t.Error("stored payload differs from uploaded payload")
	}
	if stored[0].Tags[archive.TagType] != "delta" {
		t.Errorf("Type tag = %q, want delta", stored[0].Tags[archive.TagType])
	}

	// A signature by the identity key over the payload verifies against
	// the wallet address.
	sig := crypto.Sign(payload, keypair.PrivateKey)
	if !crypto.Verify(payload, sig, keypair.Address) {
		t.Error("identity signature over payload should verify")
	}
}

func TestBundler_UploadFailureRetryable(t *testing.T) {
	mock := mockservers.NewGatewayMockServer(t)
	mock.FailUpload = true
	keypair := testutil.TestKeypair(t)

	backend := NewBundler(keypair.PrivateKey, keypair.Address, false,
		WithEndpoint(mock.UploadURL()))

	_, err := backend.Upload(testutil.TestContext(t), []byte("x"), nil)
	if err == nil {
		t.Fatal("Upload() should fail when the bundler errors")
	}
	if !sharmeerr.Retryable(err) {
		t.Errorf("bundler failure should be retryable, got %v", err)
	}
}

func TestBundler_TestnetSwitch(t *testing.T) {
	keypair := testutil.TestKeypair(t)

	mainnet := NewBundler(keypair.PrivateKey, keypair.Address, false)
	if mainnet.endpoint != MainnetEndpoint {
		t.Errorf("mainnet endpoint = %q", mainnet.endpoint)
	}

	testnet := NewBundler(keypair.PrivateKey, keypair.Address, true)
	if testnet.endpoint != TestnetEndpoint {
		t.Errorf("testnet endpoint = %q", testnet.endpoint)
	}
}
