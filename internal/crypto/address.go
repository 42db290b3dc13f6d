package crypto

import (
	"crypto/sha256"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// base58Alphabet is the canonical Bitcoin-style alphabet used by the
// archive for wallet addresses.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// AddressFromPublicKey derives the archive's canonical wallet address
// from an uncompressed secp256k1 public key: base58(sha256(pubkey[1:])).
//
// The archive's own address scheme hashes the *uncompressed* public key
// with the leading 0x04 prefix byte stripped, matching the convention
// shared by the identity, signing and address derivation steps so that
// address(pub(priv)) round-trips regardless of which step produced the
// public key.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed() // 0x04 || X(32) || Y(32)
	body := uncompressed[1:]
	digest := sha256.Sum256(body)
	return base58Encode(digest[:])
}

func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	// Count leading zero bytes; each becomes a leading '1'.
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	// Big-endian byte string -> base58 digits, via repeated division.
	num := make([]byte, len(input))
	copy(num, input)

	var out []byte
	start := zeros
	for start < len(num) {
		remainder := 0
		for i := start; i < len(num); i++ {
			acc := remainder*256 + int(num[i])
			num[i] = byte(acc / 58)
			remainder = acc % 58
		}
		out = append(out, base58Alphabet[remainder])
		for start < len(num) && num[start] == 0 {
			start++
		}
	}

	var sb strings.Builder
	for i := 0; i < zeros; i++ {
		sb.WriteByte(base58Alphabet[0])
	}
	for i := len(out) - 1; i >= 0; i-- {
		sb.WriteByte(out[i])
	}
	return sb.String()
}
