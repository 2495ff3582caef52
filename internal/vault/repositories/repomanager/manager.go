package repomanager

import (
	"context"
	"database/sql"

	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/repositories/auditlog"
	"github.com/opsapi/secretvault/internal/vault/repositories/folders"
	"github.com/opsapi/secretvault/internal/vault/repositories/secrets"
	"github.com/opsapi/secretvault/internal/vault/repositories/shares"
	"github.com/opsapi/secretvault/internal/vault/repositories/vaults"
)

// RepositoryManager vends repositories bound to a DBTX, so a service can use
// the same repository code inside and outside a transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) error
	Vaults(db dbx.DBTX) vaults.Repository
	Folders(db dbx.DBTX) folders.Repository
	Secrets(db dbx.DBTX) secrets.Repository
	Shares(db dbx.DBTX) shares.Repository
	AuditLog(db dbx.DBTX) auditlog.Repository
}
