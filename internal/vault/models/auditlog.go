package models

import "time"

// AuditAction enumerates every auditable vault operation.
type AuditAction string

const (
	AuditVaultCreate    AuditAction = "vault_create"
	AuditVaultUnlock    AuditAction = "vault_unlock"
	AuditVaultLock      AuditAction = "vault_lock"
	AuditVaultKeyChange AuditAction = "vault_key_change"
	AuditVaultDelete    AuditAction = "vault_delete"
	AuditFailedUnlock   AuditAction = "failed_unlock"

	AuditSecretCreate AuditAction = "secret_create"
	AuditSecretRead   AuditAction = "secret_read"
	AuditSecretUpdate AuditAction = "secret_update"
	AuditSecretDelete AuditAction = "secret_delete"
	AuditSecretRotate AuditAction = "secret_rotate"
	AuditSecretShare  AuditAction = "secret_share"

	AuditShareAccept AuditAction = "share_accept"
	AuditShareRevoke AuditAction = "share_revoke"

	AuditFolderCreate AuditAction = "folder_create"
	AuditFolderUpdate AuditAction = "folder_update"
	AuditFolderDelete AuditAction = "folder_delete"

	AuditBulkImport AuditAction = "bulk_import"
	AuditBulkExport AuditAction = "bulk_export"
)

// RequestContext carries request metadata into audit records. All fields are
// optional; callers outside an HTTP context leave them empty.
type RequestContext struct {
	IP        string
	UserAgent string
	RequestID string
}

// AccessLogEntry is one append-only audit record. Entity references are
// nullable so the record survives deletion of the entities it mentions.
// Entries are never updated or deleted.
type AccessLogEntry struct {
	ID string

	VaultID  *string
	SecretID *string
	FolderID *string
	UserID   *string

	Action AuditAction
	Detail string

	Success      bool
	ErrorMessage string

	IP        string
	UserAgent string
	RequestID string

	CreatedAt time.Time
}
