// Package models defines the vault-side data models persisted in the database.
package models

import "time"

// VaultStatus is the lifecycle state of a vault.
type VaultStatus string

const (
	VaultStatusActive    VaultStatus = "active"
	VaultStatusLocked    VaultStatus = "locked"
	VaultStatusSuspended VaultStatus = "suspended"
)

// Vault is the per-(namespace, user) encrypted secret container. It stores
// only key-derivation material (salt, verifier, iteration count) — never the
// passphrase or the derived key.
type Vault struct {
	ID          string
	NamespaceID string
	UserID      string
	Name        string

	// Salt is the random per-vault KDF salt.
	Salt []byte
	// KeyVerifier is a one-way hash of the derived key, compared in constant
	// time on unlock.
	KeyVerifier []byte
	// KDFIterations is the PBKDF2 iteration count the vault was keyed with.
	KDFIterations int

	Status     VaultStatus
	LockReason string

	FailedAttempts int
	LastFailedAt   *time.Time

	SecretsCount   int
	LastAccessedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
