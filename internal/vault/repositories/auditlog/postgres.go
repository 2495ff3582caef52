// Package auditlog provides the PostgreSQL-backed append-only audit store.
package auditlog

import (
	"context"
	"fmt"

	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// PostgresRepository implements audit storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert appends one audit record.
func (r *PostgresRepository) Insert(ctx context.Context, entry *models.AccessLogEntry) error {
	query := `
		INSERT INTO vault_access_log (id, vault_id, secret_id, folder_id, user_id,
			action, detail, success, error_message, ip, user_agent, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.VaultID, entry.SecretID, entry.FolderID, entry.UserID,
		entry.Action, entry.Detail, entry.Success, entry.ErrorMessage,
		entry.IP, entry.UserAgent, entry.RequestID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByVault returns the newest audit records for a vault, for compliance
// review. limit <= 0 means no limit.
func (r *PostgresRepository) ListByVault(ctx context.Context, vaultID string, limit int) ([]*models.AccessLogEntry, error) {
	query := `
		SELECT id, vault_id, secret_id, folder_id, user_id, action, detail,
			success, error_message, ip, user_agent, request_id, created_at
		FROM vault_access_log
		WHERE vault_id = $1
		ORDER BY created_at DESC
	`
	args := []any{vaultID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.AccessLogEntry
	for rows.Next() {
		e := &models.AccessLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.VaultID, &e.SecretID, &e.FolderID, &e.UserID,
			&e.Action, &e.Detail, &e.Success, &e.ErrorMessage,
			&e.IP, &e.UserAgent, &e.RequestID, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
