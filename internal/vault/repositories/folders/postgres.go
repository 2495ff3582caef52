// Package folders provides the PostgreSQL-backed repository for the folder
// hierarchy inside a vault.
package folders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// PostgresRepository implements folder storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const folderColumns = `id, vault_id, parent_id, name, path, depth, secrets_count, created_at, updated_at`

func scanFolder(row interface{ Scan(...any) error }) (*models.Folder, error) {
	f := &models.Folder{}
	err := row.Scan(&f.ID, &f.VaultID, &f.ParentID, &f.Name, &f.Path, &f.Depth,
		&f.SecretsCount, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

// Create inserts a folder. The sibling-name unique index maps to
// common.ErrDuplicateName.
func (r *PostgresRepository) Create(ctx context.Context, folder *models.Folder) error {
	query := `
		INSERT INTO vault_folders (id, vault_id, parent_id, name, path, depth)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		folder.ID, folder.VaultID, folder.ParentID, folder.Name, folder.Path, folder.Depth)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateName
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, vaultID, id string) (*models.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM vault_folders WHERE vault_id = $1 AND id = $2`
	return scanFolder(r.db.QueryRowContext(ctx, query, vaultID, id))
}

func (r *PostgresRepository) ListByVault(ctx context.Context, vaultID string) ([]*models.Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM vault_folders WHERE vault_id = $1 ORDER BY path`
	return r.list(ctx, query, vaultID)
}

// ListSubtree returns the folder at pathPrefix and all its descendants.
func (r *PostgresRepository) ListSubtree(ctx context.Context, vaultID, pathPrefix string) ([]*models.Folder, error) {
	query := `
		SELECT ` + folderColumns + ` FROM vault_folders
		WHERE vault_id = $1 AND (path = $2 OR path LIKE $2 || '/%')
		ORDER BY path
	`
	return r.list(ctx, query, vaultID, pathPrefix)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Folder, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Rename changes the folder's display name. Sibling collisions map to
// common.ErrDuplicateName.
func (r *PostgresRepository) Rename(ctx context.Context, vaultID, id, name string) error {
	query := `
		UPDATE vault_folders SET name = $3, updated_at = now()
		WHERE vault_id = $1 AND id = $2
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, id, name)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateName
		}
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// Rebase re-parents a folder and rewrites the materialized paths and depths
// of its whole subtree in one statement.
func (r *PostgresRepository) Rebase(ctx context.Context, vaultID, id string, parentID *string, oldPath, newPath string, depthDelta int) error {
	query := `
		UPDATE vault_folders
		SET parent_id = CASE WHEN id = $2 THEN $3 ELSE parent_id END,
			path = $5 || substr(path, length($4) + 1),
			depth = depth + $6,
			updated_at = now()
		WHERE vault_id = $1 AND (path = $4 OR path LIKE $4 || '/%')
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, id, parentID, oldPath, newPath, depthDelta)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrDuplicateName
		}
		return fmt.Errorf("db error: %w", err)
	}
	return expectRow(res)
}

// DeleteSubtree removes the folder at pathPrefix and all its descendants,
// returning how many folders were deleted. Secrets must be detached first.
func (r *PostgresRepository) DeleteSubtree(ctx context.Context, vaultID, pathPrefix string) (int64, error) {
	query := `
		DELETE FROM vault_folders
		WHERE vault_id = $1 AND (path = $2 OR path LIKE $2 || '/%')
	`
	res, err := r.db.ExecContext(ctx, query, vaultID, pathPrefix)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// AdjustSecretsCount shifts the denormalized per-folder secret counter.
func (r *PostgresRepository) AdjustSecretsCount(ctx context.Context, id string, delta int) error {
	query := `
		UPDATE vault_folders SET secrets_count = secrets_count + $2, updated_at = now()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, delta)
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
