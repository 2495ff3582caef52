// Package secrets provides the PostgreSQL-backed repository for encrypted
// secret rows.
package secrets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// PostgresRepository implements secret storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const secretColumns = `id, vault_id, folder_id, name, secret_type,
	ciphertext, nonce, auth_tag, scheme_version,
	metadata_ciphertext, metadata_nonce, metadata_tag,
	expires_at, rotation_reminder_at, last_rotated_at,
	is_shared, share_count, access_count, last_accessed_at,
	row_version, created_at, updated_at`

func scanSecret(row interface{ Scan(...any) error }) (*models.Secret, error) {
	s := &models.Secret{}
	err := row.Scan(
		&s.ID, &s.VaultID, &s.FolderID, &s.Name, &s.Type,
		&s.Ciphertext, &s.Nonce, &s.AuthTag, &s.SchemeVersion,
		&s.MetadataCiphertext, &s.MetadataNonce, &s.MetadataTag,
		&s.ExpiresAt, &s.RotationReminderAt, &s.LastRotatedAt,
		&s.IsShared, &s.ShareCount, &s.AccessCount, &s.LastAccessedAt,
		&s.RowVersion, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// Create inserts a secret row. The (vault, folder, name) unique index maps to
// common.ErrDuplicateName.
func (r *PostgresRepository) Create(ctx context.Context, secret *models.Secret) error {
	query := `
		INSERT INTO vault_secrets (id, vault_id, folder_id, name, secret_type,
			ciphertext, nonce, auth_tag, scheme_version,
			metadata_ciphertext, metadata_nonce, metadata_tag,
			expires_at, rotation_reminder_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		secret.ID, secret.VaultID, secret.FolderID, secret.Name, secret.Type,
		secret.Ciphertext, secret.Nonce, secret.AuthTag, secret.SchemeVersion,
		secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag,
		secret.ExpiresAt, secret.RotationReminderAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateName
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, vaultID, id string) (*models.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM vault_secrets WHERE vault_id = $1 AND id = $2`
	return scanSecret(r.db.QueryRowContext(ctx, query, vaultID, id))
}

func (r *PostgresRepository) ListByVault(ctx context.Context, vaultID string) ([]*models.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM vault_secrets WHERE vault_id = $1 ORDER BY name`
	return r.list(ctx, query, vaultID)
}

func (r *PostgresRepository) ListByFolder(ctx context.Context, vaultID string, folderID *string) ([]*models.Secret, error) {
	if folderID == nil {
		query := `SELECT ` + secretColumns + ` FROM vault_secrets WHERE vault_id = $1 AND folder_id IS NULL ORDER BY name`
		return r.list(ctx, query, vaultID)
	}
	query := `SELECT ` + secretColumns + ` FROM vault_secrets WHERE vault_id = $1 AND folder_id = $2 ORDER BY name`
	return r.list(ctx, query, vaultID, *folderID)
}

// ListForUpdate row-locks every secret of a vault for the duration of the
// surrounding transaction. Used by the passphrase-change re-encryption pass.
func (r *PostgresRepository) ListForUpdate(ctx context.Context, vaultID string) ([]*models.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM vault_secrets WHERE vault_id = $1 ORDER BY id FOR UPDATE`
	return r.list(ctx, query, vaultID)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Secret, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateValue rewrites the encrypted value/metadata columns guarded by the
// row version: a concurrent writer that bumped the version first makes this
// call return common.ErrConcurrentModification.
func (r *PostgresRepository) UpdateValue(ctx context.Context, secret *models.Secret) error {
	query := `
		UPDATE vault_secrets
		SET ciphertext = $4, nonce = $5, auth_tag = $6, scheme_version = $7,
			metadata_ciphertext = $8, metadata_nonce = $9, metadata_tag = $10,
			expires_at = $11, rotation_reminder_at = $12,
			row_version = row_version + 1, updated_at = now()
		WHERE vault_id = $1 AND id = $2 AND row_version = $3
	`
	res, err := r.db.ExecContext(ctx, query,
		secret.VaultID, secret.ID, secret.RowVersion,
		secret.Ciphertext, secret.Nonce, secret.AuthTag, secret.SchemeVersion,
		secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag,
		secret.ExpiresAt, secret.RotationReminderAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrConcurrentModification
	}
	secret.RowVersion++
	return nil
}

// Rekey rewrites only the ciphertext triples during a bulk re-encryption.
// The caller holds row locks (ListForUpdate), so no version check is needed.
func (r *PostgresRepository) Rekey(ctx context.Context, secret *models.Secret) error {
	query := `
		UPDATE vault_secrets
		SET ciphertext = $3, nonce = $4, auth_tag = $5, scheme_version = $6,
			metadata_ciphertext = $7, metadata_nonce = $8, metadata_tag = $9,
			updated_at = now()
		WHERE vault_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		secret.VaultID, secret.ID,
		secret.Ciphertext, secret.Nonce, secret.AuthTag, secret.SchemeVersion,
		secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// TouchAccess bumps the access counter and last-accessed stamp on a read.
func (r *PostgresRepository) TouchAccess(ctx context.Context, vaultID, id string) error {
	query := `
		UPDATE vault_secrets
		SET access_count = access_count + 1, last_accessed_at = now()
		WHERE vault_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// MoveToFolder re-files a secret. Name collisions in the target scope map to
// common.ErrDuplicateName.
func (r *PostgresRepository) MoveToFolder(ctx context.Context, vaultID, id string, folderID *string) error {
	query := `
		UPDATE vault_secrets SET folder_id = $3, updated_at = now()
		WHERE vault_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, id, folderID)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateName
		}
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// SetSharing shifts the share counter; is_shared tracks whether any active
// share remains.
func (r *PostgresRepository) SetSharing(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE vault_secrets
		SET share_count = share_count + $2,
			is_shared = (share_count + $2) > 0,
			updated_at = now()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// StampRotated records a completed rotation.
func (r *PostgresRepository) StampRotated(ctx context.Context, vaultID, id string) error {
	query := `
		UPDATE vault_secrets SET last_rotated_at = now(), updated_at = now()
		WHERE vault_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// ClearFolderRefs detaches secrets from the given folders (they move to "no
// folder"). Used before a folder subtree is deleted.
func (r *PostgresRepository) ClearFolderRefs(ctx context.Context, vaultID string, folderIDs []string) (int64, error) {
	if len(folderIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE vault_secrets SET folder_id = NULL, updated_at = now()
		WHERE vault_id = $1 AND folder_id = ANY($2::uuid[])
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, folderIDs)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, vaultID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM vault_secrets WHERE vault_id = $1 AND id = $2`, vaultID, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
