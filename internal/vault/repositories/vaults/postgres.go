// Package vaults provides the PostgreSQL-backed repository for vault rows.
package vaults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// PostgresRepository implements vault storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const vaultColumns = `id, namespace_id, user_id, name, salt, key_verifier, kdf_iterations,
	status, lock_reason, failed_attempts, last_failed_at, secrets_count,
	last_accessed_at, created_at, updated_at`

func scanVault(row interface{ Scan(...any) error }) (*models.Vault, error) {
	v := &models.Vault{}
	err := row.Scan(
		&v.ID, &v.NamespaceID, &v.UserID, &v.Name, &v.Salt, &v.KeyVerifier,
		&v.KDFIterations, &v.Status, &v.LockReason, &v.FailedAttempts,
		&v.LastFailedAt, &v.SecretsCount, &v.LastAccessedAt,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return v, nil
}

// Create inserts a new vault. The unique (namespace_id, user_id) index maps
// to common.ErrAlreadyExists.
func (r *PostgresRepository) Create(ctx context.Context, vault *models.Vault) error {
	query := `
		INSERT INTO vaults (id, namespace_id, user_id, name, salt, key_verifier, kdf_iterations, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		vault.ID, vault.NamespaceID, vault.UserID, vault.Name,
		vault.Salt, vault.KeyVerifier, vault.KDFIterations, vault.Status)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE id = $1`
	return scanVault(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) GetByNamespaceUser(ctx context.Context, namespaceID, userID string) (*models.Vault, error) {
	query := `SELECT ` + vaultColumns + ` FROM vaults WHERE namespace_id = $1 AND user_id = $2`
	return scanVault(r.db.QueryRowContext(ctx, query, namespaceID, userID))
}

// SetStatus moves the vault into the given status and records the reason.
func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status models.VaultStatus, reason string) error {
	query := `
		UPDATE vaults SET status = $2, lock_reason = $3, updated_at = now()
		WHERE id = $1
	`
	return r.execExpectingRow(ctx, query, id, status, reason)
}

// RegisterFailedUnlock increments the failed-attempt counter, stamps the
// failure time, and returns the new counter value.
func (r *PostgresRepository) RegisterFailedUnlock(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE vaults
		SET failed_attempts = failed_attempts + 1, last_failed_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING failed_attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return attempts, nil
}

// RegisterUnlock resets the failed-attempt counter, touches last_accessed_at,
// and flips a locked vault back to active. Suspended vaults are not touched.
func (r *PostgresRepository) RegisterUnlock(ctx context.Context, id string) error {
	query := `
		UPDATE vaults
		SET failed_attempts = 0, last_accessed_at = now(), updated_at = now(),
			status = 'active', lock_reason = ''
		WHERE id = $1 AND status <> 'suspended'
	`
	return r.execExpectingRow(ctx, query, id)
}

// UpdateKeyMaterial commits a new salt/verifier/iteration triple. Called only
// inside the passphrase-change transaction, after every secret has been
// re-encrypted under the new key.
func (r *PostgresRepository) UpdateKeyMaterial(ctx context.Context, id string, salt, verifier []byte, iterations int) error {
	query := `
		UPDATE vaults SET salt = $2, key_verifier = $3, kdf_iterations = $4, updated_at = now()
		WHERE id = $1
	`
	return r.execExpectingRow(ctx, query, id, salt, verifier, iterations)
}

// AdjustSecretsCount shifts the denormalized secret counter. Runs in the same
// transaction as the secret insert/delete so the counter cannot drift.
func (r *PostgresRepository) AdjustSecretsCount(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE vaults SET secrets_count = secrets_count + $2, updated_at = now()
		WHERE id = $1
	`
	return r.execExpectingRow(ctx, query, id, delta)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.execExpectingRow(ctx, `DELETE FROM vaults WHERE id = $1`, id)
}

func (r *PostgresRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}
