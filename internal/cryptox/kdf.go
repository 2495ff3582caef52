// Package cryptox implements the key-derivation and authenticated-encryption
// primitives of the vault: PBKDF2-HMAC-SHA256 passphrase stretching, a one-way
// verifier for unlock checks, and AES-256-GCM with per-write nonces.
//
// Derived keys exist only in memory. Nothing in this package writes key
// material to durable storage or logs.
package cryptox

import (
	"crypto/sha256"
	"crypto/subtle"

	"github.com/opsapi/secretvault/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived symmetric key length (AES-256).
	KeySize = 32
	// SaltSize is the per-vault random salt length, generated once at vault
	// creation and persisted alongside the verifier.
	SaltSize = 32
	// DefaultIterations is the PBKDF2 iteration count used unless the vault
	// was created with a different (persisted) count.
	DefaultIterations = 310_000
	// SchemeVersion is stamped on every ciphertext row so a future scheme
	// can re-key old rows lazily.
	SchemeVersion = 1
)

// DeriveKey stretches a user passphrase into a 256-bit key using
// PBKDF2-HMAC-SHA256 with the vault's salt and iteration count. The call is
// deliberately slow; use Pool to keep it off latency-sensitive paths.
func DeriveKey(passphrase, salt []byte, iterations int) []byte {
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New)
}

// MakeVerifier returns a one-way hash of the derived key. The verifier is
// persisted instead of the key: matching it proves the passphrase was correct
// without the server ever holding the passphrase or key at rest.
func MakeVerifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// VerifierMatch compares a stored verifier against the verifier of a
// candidate key in constant time.
func VerifierMatch(stored, candidate []byte) bool {
	return subtle.ConstantTimeCompare(stored, candidate) == 1
}

// NewSalt returns a fresh random salt for vault creation or passphrase change.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}
