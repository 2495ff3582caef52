package models

import "time"

// SharePermission is the access level granted by a share.
type SharePermission string

const (
	SharePermissionRead  SharePermission = "read"
	SharePermissionWrite SharePermission = "write"
)

// ShareStatus is the lifecycle state of a share grant.
type ShareStatus string

const (
	ShareStatusActive  ShareStatus = "active"
	ShareStatusRevoked ShareStatus = "revoked"
	ShareStatusExpired ShareStatus = "expired"
)

// Share is a one-directional grant from a source secret to a recipient. The
// recipient side is a physically distinct encrypted copy under the
// recipient's own key; revoking the grant never reaches into that copy.
//
// The secret references are nil once the referenced row is gone: grant rows
// are kept as revocation provenance after either side deletes its secret.
type Share struct {
	ID string

	SourceSecretID *string
	SourceVaultID  string
	SourceUserID   string

	TargetSecretID *string
	TargetVaultID  string
	TargetUserID   string

	Permission SharePermission
	CanReshare bool

	Status    ShareStatus
	ExpiresAt *time.Time

	RevokedAt *time.Time
	RevokedBy string

	CreatedAt time.Time
}
