package brontide

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PubKeySize is the length of a compressed secp256k1 public key.
	PubKeySize = 33

	// PrivKeySize is the length of a serialized secp256k1 private key.
	PrivKeySize = 32
)

// EphemeralKeyFunc returns the ephemeral key used for a single handshake.
// Tests inject a deterministic one; production code leaves it nil.
type EphemeralKeyFunc func() (*secp256k1.PrivateKey, error)

// GenerateKey creates a new random secp256k1 key pair.
func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}

// PrivKeyFromBytes builds a private key from its 32-byte big-endian scalar.
func PrivKeyFromBytes(b []byte) (*secp256k1.PrivateKey, error) {
	if len(b) != PrivKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", PrivKeySize, len(b))
	}
	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return nil, errors.New("private key exceeds curve order")
	}
	if scalar.IsZero() {
		return nil, errors.New("private key is zero")
	}
	return secp256k1.NewPrivateKey(&scalar), nil
}

// FixedEphemeralKey returns an EphemeralKeyFunc that always hands out key.
func FixedEphemeralKey(key *secp256k1.PrivateKey) EphemeralKeyFunc {
	return func() (*secp256k1.PrivateKey, error) {
		return key, nil
	}
}

// EncodePrivateKey encodes a private key as lowercase hex.
func EncodePrivateKey(key *secp256k1.PrivateKey) string {
	return hex.EncodeToString(key.Serialize())
}

// DecodePrivateKey decodes a hex encoded private key.
func DecodePrivateKey(s string) (*secp256k1.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	return PrivKeyFromBytes(b)
}

// EncodePublicKey encodes a public key in compressed form as lowercase hex.
func EncodePublicKey(key *secp256k1.PublicKey) string {
	return hex.EncodeToString(key.SerializeCompressed())
}

// DecodePublicKey decodes a hex encoded compressed public key and checks
// that it lies on the curve.
func DecodePublicKey(s string) (*secp256k1.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(b) != PubKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PubKeySize, len(b))
	}
	return secp256k1.ParsePubKey(b)
}

// ParseNodeAddress splits a "pubkey@host:port" string.
func ParseNodeAddress(addr string) (*secp256k1.PublicKey, string, int, error) {
	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return nil, "", 0, fmt.Errorf("node address %q is not of the form pubkey@host:port", addr)
	}
	pub, err := DecodePublicKey(addr[:at])
	if err != nil {
		return nil, "", 0, err
	}
	host, portStr, err := net.SplitHostPort(addr[at+1:])
	if err != nil {
		return nil, "", 0, fmt.Errorf("invalid node address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return pub, host, int(port), nil
}

// LoadOrCreateKeyFile reads a hex private key from path. If the file does
// not exist a fresh key is generated and written with mode 0600.
func LoadOrCreateKeyFile(path string) (*secp256k1.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return DecodePrivateKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(EncodePrivateKey(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// ecdh computes SHA256 of the compressed point priv*pub.
func ecdh(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) [32]byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	shared := secp256k1.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}
