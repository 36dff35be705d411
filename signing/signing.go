// Package signing verifies firmware artifacts before they are compiled.
//
// A signature is ed25519 over the BLAKE2b-256 digest of the module bytes.
// Keys and signatures are stored as base64 text.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SignatureSuffix is appended to an artifact path to find its signature.
const SignatureSuffix = ".sig"

var (
	ErrInvalidSignature = errors.New("signing: invalid signature")
	ErrNoTrustedKeys    = errors.New("signing: no trusted keys")
)

// Digest returns the BLAKE2b-256 digest of data.
func Digest(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// DigestHex returns Digest as a lowercase hex string.
func DigestHex(data []byte) string {
	d := Digest(data)
	return hex.EncodeToString(d[:])
}

// GenerateKey creates a new signing key pair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs data with key.
func Sign(key ed25519.PrivateKey, data []byte) []byte {
	d := Digest(data)
	return ed25519.Sign(key, d[:])
}

// Verifier holds the set of trusted public keys.
type Verifier struct {
	keys []ed25519.PublicKey
}

// NewVerifier creates a verifier trusting keys.
func NewVerifier(keys ...ed25519.PublicKey) (*Verifier, error) {
	if len(keys) == 0 {
		return nil, ErrNoTrustedKeys
	}
	for i, k := range keys {
		if len(k) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signing: key %d: want %d bytes, got %d", i, ed25519.PublicKeySize, len(k))
		}
	}
	return &Verifier{keys: keys}, nil
}

// Verify succeeds if any trusted key produced sig over data.
func (v *Verifier) Verify(data, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	d := Digest(data)
	for _, k := range v.keys {
		if ed25519.Verify(k, d[:], sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Encode returns the base64 text form of a key or signature.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode parses base64 text, ignoring surrounding whitespace.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("signing: decode: %w", err)
	}
	return b, nil
}

// LoadPublicKey reads a base64 public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	b, err := readEncoded(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing: %s: not an ed25519 public key", path)
	}
	return ed25519.PublicKey(b), nil
}

// LoadPrivateKey reads a base64 private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	b, err := readEncoded(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: %s: not an ed25519 private key", path)
	}
	return ed25519.PrivateKey(b), nil
}

// LoadSignature reads a base64 signature file.
func LoadSignature(path string) ([]byte, error) {
	return readEncoded(path)
}

// WriteFile writes b as base64 text. Private material should use perm 0600.
func WriteFile(path string, b []byte, perm os.FileMode) error {
	return os.WriteFile(path, []byte(Encode(b)+"\n"), perm)
}

func readEncoded(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(string(raw))
}
