// Package common defines shared constants and sentinel errors used across
// the vault subsystem. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Secret store errors.
	ErrDuplicateName          = errors.New("duplicate name in scope")
	ErrEmptySecret            = errors.New("secret requires a value or metadata")
	ErrConcurrentModification = errors.New("concurrent modification")

	// Vault state errors.
	ErrVaultLocked    = errors.New("vault is locked")
	ErrVaultSuspended = errors.New("vault is suspended")
	ErrSessionExpired = errors.New("session expired")

	// ErrWrongPassphrase and ErrTamperedOrWrongKey deliberately carry the
	// same message: callers must not be able to tell a bad passphrase from
	// a failed authentication tag.
	ErrWrongPassphrase    = errors.New("decryption failed")
	ErrTamperedOrWrongKey = errors.New("decryption failed")

	// Sharing errors.
	ErrReshareNotPermitted = errors.New("reshare not permitted")

	// Folder tree errors.
	ErrFolderCycle    = errors.New("folder cannot become its own ancestor")
	ErrFolderNotEmpty = errors.New("folder has subfolders")

	ErrInternal = errors.New("internal error")
)
