package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/cryptox"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/models"
	"github.com/opsapi/secretvault/internal/vault/repositories/repomanager"
)

// ShareService implements cross-vault sharing by re-encryption: the recipient
// gets a physically independent copy of the secret sealed under their own
// key. Revocation touches only the grant and the source counters; it never
// reaches into the recipient's vault.
type ShareService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	audit       *AuditService
	logger      logging.Logger
}

// NewShareService constructs a ShareService.
func NewShareService(db *sql.DB, rm repomanager.RepositoryManager, audit *AuditService, logger logging.Logger) *ShareService {
	return &ShareService{db: db, repomanager: rm, audit: audit, logger: logger}
}

// ShareSecretParams are the grant terms for ShareSecret.
type ShareSecretParams struct {
	// TargetFolderID places the recipient copy; nil means the recipient's
	// vault root.
	TargetFolderID *string
	Permission     models.SharePermission
	CanReshare     bool
	ExpiresAt      *time.Time
}

// ShareSecret decrypts the source secret under the source session, re-encrypts
// value and metadata under the recipient session with fresh nonces, and
// commits the recipient copy, the grant row, and the source sharing counters
// in one transaction. If the source secret itself arrived via a share, that
// grant must carry can_reshare.
func (s *ShareService) ShareSecret(ctx context.Context, src, dst *Session, sourceSecretID string, params ShareSecretParams) (*models.Share, error) {
	srcKey, err := src.Key()
	if err != nil {
		return nil, err
	}
	dstKey, err := dst.Key()
	if err != nil {
		return nil, err
	}
	if params.Permission != models.SharePermissionRead && params.Permission != models.SharePermissionWrite {
		return nil, fmt.Errorf("unknown share permission %q", params.Permission)
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(src.VaultID), SecretID: strPtr(sourceSecretID),
		UserID: strPtr(src.UserID), Action: models.AuditSecretShare,
		Detail: "to user " + dst.UserID,
	}

	var share *models.Share
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		source, err := s.repomanager.Secrets(tx).GetByID(ctx, src.VaultID, sourceSecretID)
		if err != nil {
			return err
		}

		// The source may itself be a recipient copy; sharing it onward
		// requires the originating grant to allow it.
		origin, err := s.repomanager.Shares(tx).GetByTargetSecret(ctx, sourceSecretID)
		switch {
		case err == nil:
			if !origin.CanReshare {
				return common.ErrReshareNotPermitted
			}
		case errors.Is(err, common.ErrNotFound):
			// Not a shared copy; nothing to check.
		default:
			return err
		}

		plaintext, err := cryptox.Open(srcKey, source.Ciphertext, source.Nonce, source.AuthTag)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(plaintext)

		copySecret := &models.Secret{
			ID:            uuid.NewString(),
			VaultID:       dst.VaultID,
			FolderID:      params.TargetFolderID,
			Name:          source.Name,
			Type:          source.Type,
			SchemeVersion: cryptox.SchemeVersion,
		}
		copySecret.Ciphertext, copySecret.Nonce, copySecret.AuthTag, err = cryptox.Seal(dstKey, plaintext)
		if err != nil {
			return err
		}
		if source.HasMetadata() {
			metadata, err := cryptox.Open(srcKey, source.MetadataCiphertext, source.MetadataNonce, source.MetadataTag)
			if err != nil {
				return err
			}
			copySecret.MetadataCiphertext, copySecret.MetadataNonce, copySecret.MetadataTag, err = cryptox.Seal(dstKey, metadata)
			common.WipeByteArray(metadata)
			if err != nil {
				return err
			}
		}

		if err := s.repomanager.Secrets(tx).Create(ctx, copySecret); err != nil {
			return err
		}
		if err := s.repomanager.Vaults(tx).AdjustSecretsCount(ctx, dst.VaultID, 1); err != nil {
			return err
		}
		if params.TargetFolderID != nil {
			if err := s.repomanager.Folders(tx).AdjustSecretsCount(ctx, *params.TargetFolderID, 1); err != nil {
				return err
			}
		}

		share = &models.Share{
			ID:             uuid.NewString(),
			SourceSecretID: strPtr(sourceSecretID),
			SourceVaultID:  src.VaultID,
			SourceUserID:   src.UserID,
			TargetSecretID: strPtr(copySecret.ID),
			TargetVaultID:  dst.VaultID,
			TargetUserID:   dst.UserID,
			Permission:     params.Permission,
			CanReshare:     params.CanReshare,
			Status:         models.ShareStatusActive,
			ExpiresAt:      params.ExpiresAt,
		}
		if err := s.repomanager.Shares(tx).Create(ctx, share); err != nil {
			return err
		}
		return s.repomanager.Secrets(tx).SetSharing(ctx, sourceSecretID, 1)
	})
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}

	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return nil, aerr
	}
	// The recipient's trail records the arrival of their copy.
	if aerr := s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(dst.VaultID), SecretID: share.TargetSecretID,
		UserID: strPtr(dst.UserID), Action: models.AuditShareAccept,
		Detail: "from user " + src.UserID, Success: true,
	}); aerr != nil {
		return nil, aerr
	}

	s.logger.Info(ctx, "secret shared",
		"source_secret_id", sourceSecretID, "target_vault_id", dst.VaultID, "permission", params.Permission)
	return share, nil
}

// RevokeShare flips an active grant to revoked and decrements the source
// secret's share counter. Only the sharer may revoke. The recipient's copy
// stays readable; what ends is the grant, not the recipient's data.
func (s *ShareService) RevokeShare(ctx context.Context, session *Session, shareID string) error {
	if _, err := session.Key(); err != nil {
		return err
	}

	var share *models.Share
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		share, err = s.repomanager.Shares(tx).GetByID(ctx, shareID)
		if err != nil {
			return err
		}
		if share.SourceVaultID != session.VaultID {
			return common.ErrNotFound
		}
		if err := s.repomanager.Shares(tx).Revoke(ctx, shareID, session.UserID); err != nil {
			return err
		}
		if share.SourceSecretID == nil {
			return nil
		}
		return s.repomanager.Secrets(tx).SetSharing(ctx, *share.SourceSecretID, -1)
	})

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), UserID: strPtr(session.UserID),
		Action: models.AuditShareRevoke, Detail: "share " + shareID,
	}
	if share != nil {
		entry.SecretID = share.SourceSecretID
	}
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return err
	}
	entry.Success = true
	return s.audit.Record(ctx, entry)
}

// ListShares returns every grant sourced from one of the session's secrets.
func (s *ShareService) ListShares(ctx context.Context, session *Session, sourceSecretID string) ([]*models.Share, error) {
	if _, err := session.Key(); err != nil {
		return nil, err
	}
	return s.repomanager.Shares(s.db).ListBySourceSecret(ctx, sourceSecretID)
}

// SweepExpiredShares expires every past-due active grant and decrements the
// source share counters accordingly. Idempotent; the sweeper runs it on a
// timer, and overlapping runs are harmless.
func (s *ShareService) SweepExpiredShares(ctx context.Context) (int, error) {
	var swept int
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		ids, err := s.repomanager.Shares(tx).SweepExpired(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.repomanager.Secrets(tx).SetSharing(ctx, id, -1); err != nil {
				return err
			}
		}
		swept = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		s.logger.Info(ctx, "expired shares swept", "count", swept)
	}
	return swept, nil
}
