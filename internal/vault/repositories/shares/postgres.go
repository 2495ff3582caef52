// Package shares provides the PostgreSQL-backed repository for share grants.
package shares

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// PostgresRepository implements share storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const shareColumns = `id, source_secret_id, source_vault_id, source_user_id,
	target_secret_id, target_vault_id, target_user_id,
	permission, can_reshare, status, expires_at, revoked_at, revoked_by, created_at`

func scanShare(row interface{ Scan(...any) error }) (*models.Share, error) {
	s := &models.Share{}
	err := row.Scan(
		&s.ID, &s.SourceSecretID, &s.SourceVaultID, &s.SourceUserID,
		&s.TargetSecretID, &s.TargetVaultID, &s.TargetUserID,
		&s.Permission, &s.CanReshare, &s.Status, &s.ExpiresAt,
		&s.RevokedAt, &s.RevokedBy, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

// Create inserts a share grant. The (source secret, recipient) unique index
// maps to common.ErrAlreadyExists.
func (r *PostgresRepository) Create(ctx context.Context, share *models.Share) error {
	query := `
		INSERT INTO vault_shares (id, source_secret_id, source_vault_id, source_user_id,
			target_secret_id, target_vault_id, target_user_id,
			permission, can_reshare, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		share.ID, share.SourceSecretID, share.SourceVaultID, share.SourceUserID,
		share.TargetSecretID, share.TargetVaultID, share.TargetUserID,
		share.Permission, share.CanReshare, share.Status, share.ExpiresAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM vault_shares WHERE id = $1`
	return scanShare(r.db.QueryRowContext(ctx, query, id))
}

// GetByTargetSecret finds the grant that created the given recipient copy.
// Used for the reshare-permission check.
func (r *PostgresRepository) GetByTargetSecret(ctx context.Context, targetSecretID string) (*models.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM vault_shares WHERE target_secret_id = $1`
	return scanShare(r.db.QueryRowContext(ctx, query, targetSecretID))
}

func (r *PostgresRepository) ListBySourceSecret(ctx context.Context, sourceSecretID string) ([]*models.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM vault_shares WHERE source_secret_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, sourceSecretID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Share
	for rows.Next() {
		s, err := scanShare(rows)
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

// Revoke flips an active grant to revoked. Returns common.ErrNotFound when
// the grant does not exist or is no longer active.
func (r *PostgresRepository) Revoke(ctx context.Context, id, revokedBy string) error {
	query := `
		UPDATE vault_shares
		SET status = 'revoked', revoked_at = now(), revoked_by = $2
		WHERE id = $1 AND status = 'active'
	`
	res, err := r.db.ExecContext(ctx, query, id, revokedBy)
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

// RevokeAllForSourceSecret revokes every active grant sourced from the given
// secret. Used when the source secret is deleted.
func (r *PostgresRepository) RevokeAllForSourceSecret(ctx context.Context, sourceSecretID, revokedBy string) (int64, error) {
	query := `
		UPDATE vault_shares
		SET status = 'revoked', revoked_at = now(), revoked_by = $2
		WHERE source_secret_id = $1 AND status = 'active'
	`
	res, err := r.db.ExecContext(ctx, query, sourceSecretID, revokedBy)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// SweepExpired flips active grants whose expiry has passed to expired and
// returns the source secret ids of the flipped rows, so the caller can keep
// share counters in step. The conditional WHERE makes it idempotent and safe
// to run concurrently: a row already flipped by another sweep simply no
// longer matches.
func (r *PostgresRepository) SweepExpired(ctx context.Context) ([]string, error) {
	query := `
		UPDATE vault_shares
		SET status = 'expired'
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= now()
		RETURNING source_secret_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
