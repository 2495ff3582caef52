package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/cryptox"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/models"
	"github.com/opsapi/secretvault/internal/vault/repositories/repomanager"
)

// SecretService is the encrypted secret store and the folder tree behind it.
// Every operation takes a live Session; plaintext exists only between a
// session key and the AES-GCM boundary, never in the repositories.
type SecretService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	audit       *AuditService
	logger      logging.Logger
}

// NewSecretService constructs a SecretService.
func NewSecretService(db *sql.DB, rm repomanager.RepositoryManager, audit *AuditService, logger logging.Logger) *SecretService {
	return &SecretService{db: db, repomanager: rm, audit: audit, logger: logger}
}

// CreateSecretParams are the inputs to CreateSecret. Value and Metadata are
// plaintext; either may be absent, but not both.
type CreateSecretParams struct {
	FolderID           *string
	Name               string
	Type               models.SecretType
	Value              []byte
	Metadata           []byte
	ExpiresAt          *time.Time
	RotationReminderAt *time.Time
}

// CreateSecret encrypts and stores a new secret. The value and the metadata
// blob are sealed independently, each with a fresh nonce. The secret row and
// the vault/folder counters commit in one transaction.
func (s *SecretService) CreateSecret(ctx context.Context, session *Session, params CreateSecretParams) (*models.Secret, error) {
	key, err := session.Key()
	if err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, fmt.Errorf("secret name is required")
	}
	if !models.ValidSecretType(params.Type) {
		return nil, fmt.Errorf("unknown secret type %q", params.Type)
	}
	if len(params.Value) == 0 && len(params.Metadata) == 0 {
		return nil, common.ErrEmptySecret
	}

	secret := &models.Secret{
		ID:                 uuid.NewString(),
		VaultID:            session.VaultID,
		FolderID:           params.FolderID,
		Name:               params.Name,
		Type:               params.Type,
		SchemeVersion:      cryptox.SchemeVersion,
		ExpiresAt:          params.ExpiresAt,
		RotationReminderAt: params.RotationReminderAt,
	}
	secret.Ciphertext, secret.Nonce, secret.AuthTag, err = cryptox.Seal(key, params.Value)
	if err != nil {
		return nil, err
	}
	if len(params.Metadata) > 0 {
		secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag, err = cryptox.Seal(key, params.Metadata)
		if err != nil {
			return nil, err
		}
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if params.FolderID != nil {
			if _, err := s.repomanager.Folders(tx).GetByID(ctx, session.VaultID, *params.FolderID); err != nil {
				return err
			}
		}
		if err := s.repomanager.Secrets(tx).Create(ctx, secret); err != nil {
			return err
		}
		if err := s.repomanager.Vaults(tx).AdjustSecretsCount(ctx, session.VaultID, 1); err != nil {
			return err
		}
		if params.FolderID != nil {
			return s.repomanager.Folders(tx).AdjustSecretsCount(ctx, *params.FolderID, 1)
		}
		return nil
	})

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secret.ID),
		FolderID: params.FolderID, UserID: strPtr(session.UserID),
		Action: models.AuditSecretCreate, Detail: secret.Name,
	}
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}
	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return nil, aerr
	}
	return secret, nil
}

// ReadSecret decrypts and returns a secret's value. Tag verification failure
// surfaces as ErrTamperedOrWrongKey regardless of cause. Reads are audited
// whether or not they succeed, and success bumps the access counter.
func (s *SecretService) ReadSecret(ctx context.Context, session *Session, secretID string) ([]byte, error) {
	key, err := session.Key()
	if err != nil {
		return nil, err
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secretID),
		UserID: strPtr(session.UserID), Action: models.AuditSecretRead,
	}

	secret, err := s.repomanager.Secrets(s.db).GetByID(ctx, session.VaultID, secretID)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}

	plaintext, err := cryptox.Open(key, secret.Ciphertext, secret.Nonce, secret.AuthTag)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}

	if err := s.repomanager.Secrets(s.db).TouchAccess(ctx, session.VaultID, secretID); err != nil {
		common.WipeByteArray(plaintext)
		return nil, err
	}
	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		common.WipeByteArray(plaintext)
		return nil, aerr
	}
	return plaintext, nil
}

// ReadSecretMetadata decrypts the metadata blob, or returns nil when the
// secret has none. Audited as a read of the same secret.
func (s *SecretService) ReadSecretMetadata(ctx context.Context, session *Session, secretID string) ([]byte, error) {
	key, err := session.Key()
	if err != nil {
		return nil, err
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secretID),
		UserID: strPtr(session.UserID), Action: models.AuditSecretRead, Detail: "metadata",
	}

	secret, err := s.repomanager.Secrets(s.db).GetByID(ctx, session.VaultID, secretID)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}
	if !secret.HasMetadata() {
		return nil, nil
	}
	metadata, err := cryptox.Open(key, secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return nil, err
	}
	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return nil, aerr
	}
	return metadata, nil
}

// UpdateSecretParams are the inputs to UpdateSecret. A nil Value or Metadata
// leaves that field untouched; a changed field is re-sealed with a fresh
// nonce. ExpectedVersion is the row version the caller last read.
type UpdateSecretParams struct {
	Value           []byte
	Metadata        []byte
	ExpectedVersion int64
}

// UpdateSecret rewrites a secret's encrypted fields under an optimistic
// row-version guard: a concurrent writer wins and the caller gets
// ErrConcurrentModification.
func (s *SecretService) UpdateSecret(ctx context.Context, session *Session, secretID string, params UpdateSecretParams) error {
	return s.updateSecret(ctx, session, secretID, params, models.AuditSecretUpdate, false)
}

// RotateSecret is UpdateSecret plus a last_rotated_at stamp, audited as a
// rotation.
func (s *SecretService) RotateSecret(ctx context.Context, session *Session, secretID string, params UpdateSecretParams) error {
	return s.updateSecret(ctx, session, secretID, params, models.AuditSecretRotate, true)
}

func (s *SecretService) updateSecret(ctx context.Context, session *Session, secretID string, params UpdateSecretParams, action models.AuditAction, stampRotated bool) error {
	key, err := session.Key()
	if err != nil {
		return err
	}
	if params.Value == nil && params.Metadata == nil {
		return common.ErrEmptySecret
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secretID),
		UserID: strPtr(session.UserID), Action: action,
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		secret, err := s.repomanager.Secrets(tx).GetByID(ctx, session.VaultID, secretID)
		if err != nil {
			return err
		}
		if params.Value != nil {
			secret.Ciphertext, secret.Nonce, secret.AuthTag, err = cryptox.Seal(key, params.Value)
			if err != nil {
				return err
			}
		}
		if params.Metadata != nil {
			secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag, err = cryptox.Seal(key, params.Metadata)
			if err != nil {
				return err
			}
		}
		secret.RowVersion = params.ExpectedVersion
		if err := s.repomanager.Secrets(tx).UpdateValue(ctx, secret); err != nil {
			return err
		}
		if stampRotated {
			return s.repomanager.Secrets(tx).StampRotated(ctx, session.VaultID, secretID)
		}
		return nil
	})
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return err
	}
	entry.Success = true
	return s.audit.Record(ctx, entry)
}

// DeleteSecret removes a secret permanently. Any shares sourced from it are
// revoked in the same transaction; recipient copies are left alone. When the
// secret is itself a recipient copy, the grant that delivered it is revoked
// and the source secret's share counter is decremented.
func (s *SecretService) DeleteSecret(ctx context.Context, session *Session, secretID string) error {
	if _, err := session.Key(); err != nil {
		return err
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secretID),
		UserID: strPtr(session.UserID), Action: models.AuditSecretDelete,
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		secret, err := s.repomanager.Secrets(tx).GetByID(ctx, session.VaultID, secretID)
		if err != nil {
			return err
		}
		if _, err := s.repomanager.Shares(tx).RevokeAllForSourceSecret(ctx, secretID, session.UserID); err != nil {
			return err
		}
		if err := s.revokeInboundGrant(ctx, tx, secretID, session.UserID); err != nil {
			return err
		}
		if err := s.repomanager.Secrets(tx).Delete(ctx, session.VaultID, secretID); err != nil {
			return err
		}
		if err := s.repomanager.Vaults(tx).AdjustSecretsCount(ctx, session.VaultID, -1); err != nil {
			return err
		}
		if secret.FolderID != nil {
			return s.repomanager.Folders(tx).AdjustSecretsCount(ctx, *secret.FolderID, -1)
		}
		return nil
	})
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return err
	}
	entry.Success = true
	return s.audit.Record(ctx, entry)
}

// revokeInboundGrant closes out the grant targeting a recipient copy that is
// being deleted, so the source secret's share counter does not go stale.
func (s *SecretService) revokeInboundGrant(ctx context.Context, tx dbx.DBTX, secretID, userID string) error {
	inbound, err := s.repomanager.Shares(tx).GetByTargetSecret(ctx, secretID)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if inbound.Status != models.ShareStatusActive {
		return nil
	}
	if err := s.repomanager.Shares(tx).Revoke(ctx, inbound.ID, userID); err != nil {
		return err
	}
	if inbound.SourceSecretID == nil {
		return nil
	}
	return s.repomanager.Secrets(tx).SetSharing(ctx, *inbound.SourceSecretID, -1)
}

// ListSecrets returns every secret row in the session's vault, ciphertext
// untouched.
func (s *SecretService) ListSecrets(ctx context.Context, session *Session) ([]*models.Secret, error) {
	if _, err := session.Key(); err != nil {
		return nil, err
	}
	return s.repomanager.Secrets(s.db).ListByVault(ctx, session.VaultID)
}

// ListSecretsInFolder returns the secret rows directly inside one folder;
// a nil folderID selects the vault root.
func (s *SecretService) ListSecretsInFolder(ctx context.Context, session *Session, folderID *string) ([]*models.Secret, error) {
	if _, err := session.Key(); err != nil {
		return nil, err
	}
	return s.repomanager.Secrets(s.db).ListByFolder(ctx, session.VaultID, folderID)
}

// ListFolders returns the vault's folder tree as a flat list.
func (s *SecretService) ListFolders(ctx context.Context, session *Session) ([]*models.Folder, error) {
	if _, err := session.Key(); err != nil {
		return nil, err
	}
	return s.repomanager.Folders(s.db).ListByVault(ctx, session.VaultID)
}

// CreateFolder adds a folder under parentID (nil for a root folder) and
// materializes its path and depth from the parent's.
func (s *SecretService) CreateFolder(ctx context.Context, session *Session, parentID *string, name string) (*models.Folder, error) {
	if _, err := session.Key(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("folder name is required")
	}

	folder := &models.Folder{
		ID:       uuid.NewString(),
		VaultID:  session.VaultID,
		ParentID: parentID,
		Name:     name,
	}
	if parentID != nil {
		parent, err := s.repomanager.Folders(s.db).GetByID(ctx, session.VaultID, *parentID)
		if err != nil {
			return nil, err
		}
		folder.Path = parent.Path + "/" + folder.ID
		folder.Depth = parent.Depth + 1
	} else {
		folder.Path = "/" + folder.ID
	}

	if err := s.repomanager.Folders(s.db).Create(ctx, folder); err != nil {
		return nil, err
	}
	if aerr := s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), FolderID: strPtr(folder.ID),
		UserID: strPtr(session.UserID), Action: models.AuditFolderCreate,
		Detail: name, Success: true,
	}); aerr != nil {
		return nil, aerr
	}
	return folder, nil
}

// RenameFolder changes a folder's display name; sibling uniqueness is
// enforced by the store.
func (s *SecretService) RenameFolder(ctx context.Context, session *Session, folderID, name string) error {
	if _, err := session.Key(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("folder name is required")
	}
	if err := s.repomanager.Folders(s.db).Rename(ctx, session.VaultID, folderID, name); err != nil {
		return err
	}
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), FolderID: strPtr(folderID),
		UserID: strPtr(session.UserID), Action: models.AuditFolderUpdate,
		Detail: "renamed to " + name, Success: true,
	})
}

// MoveFolder re-parents a folder, rewriting the paths and depths of its
// whole subtree. Moving a folder under itself or any of its descendants
// fails with ErrFolderCycle.
func (s *SecretService) MoveFolder(ctx context.Context, session *Session, folderID string, newParentID *string) error {
	if _, err := session.Key(); err != nil {
		return err
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		folderRepo := s.repomanager.Folders(tx)
		folder, err := folderRepo.GetByID(ctx, session.VaultID, folderID)
		if err != nil {
			return err
		}

		newPath := "/" + folder.ID
		newDepth := 0
		if newParentID != nil {
			parent, err := folderRepo.GetByID(ctx, session.VaultID, *newParentID)
			if err != nil {
				return err
			}
			if parent.Path == folder.Path || strings.HasPrefix(parent.Path, folder.Path+"/") {
				return common.ErrFolderCycle
			}
			newPath = parent.Path + "/" + folder.ID
			newDepth = parent.Depth + 1
		}
		return folderRepo.Rebase(ctx, session.VaultID, folderID, newParentID, folder.Path, newPath, newDepth-folder.Depth)
	})
	if err != nil {
		return err
	}
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), FolderID: strPtr(folderID),
		UserID: strPtr(session.UserID), Action: models.AuditFolderUpdate,
		Detail: "moved", Success: true,
	})
}

// MoveSecretToFolder relocates a secret within the vault; nil folderID moves
// it to the vault root. Folder counters follow in the same transaction.
func (s *SecretService) MoveSecretToFolder(ctx context.Context, session *Session, secretID string, folderID *string) error {
	if _, err := session.Key(); err != nil {
		return err
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		secret, err := s.repomanager.Secrets(tx).GetByID(ctx, session.VaultID, secretID)
		if err != nil {
			return err
		}
		if folderID != nil {
			if _, err := s.repomanager.Folders(tx).GetByID(ctx, session.VaultID, *folderID); err != nil {
				return err
			}
		}
		if err := s.repomanager.Secrets(tx).MoveToFolder(ctx, session.VaultID, secretID, folderID); err != nil {
			return err
		}
		if secret.FolderID != nil {
			if err := s.repomanager.Folders(tx).AdjustSecretsCount(ctx, *secret.FolderID, -1); err != nil {
				return err
			}
		}
		if folderID != nil {
			return s.repomanager.Folders(tx).AdjustSecretsCount(ctx, *folderID, 1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), SecretID: strPtr(secretID),
		FolderID: folderID, UserID: strPtr(session.UserID),
		Action: models.AuditSecretUpdate, Detail: "moved", Success: true,
	})
}

// DeleteFolder removes a folder. Without cascade it refuses when subfolders
// exist; with cascade the whole subtree goes. Secrets in the deleted folders
// are never destroyed: they detach to the vault root.
func (s *SecretService) DeleteFolder(ctx context.Context, session *Session, folderID string, cascade bool) error {
	if _, err := session.Key(); err != nil {
		return err
	}

	var detached int64
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		folderRepo := s.repomanager.Folders(tx)
		folder, err := folderRepo.GetByID(ctx, session.VaultID, folderID)
		if err != nil {
			return err
		}
		subtree, err := folderRepo.ListSubtree(ctx, session.VaultID, folder.Path)
		if err != nil {
			return err
		}
		if !cascade && len(subtree) > 1 {
			return common.ErrFolderNotEmpty
		}

		ids := make([]string, 0, len(subtree))
		for _, f := range subtree {
			ids = append(ids, f.ID)
		}
		detached, err = s.repomanager.Secrets(tx).ClearFolderRefs(ctx, session.VaultID, ids)
		if err != nil {
			return err
		}
		_, err = folderRepo.DeleteSubtree(ctx, session.VaultID, folder.Path)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "folder deleted", "vault_id", session.VaultID, "folder_id", folderID, "secrets_detached", detached)
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), FolderID: strPtr(folderID),
		UserID: strPtr(session.UserID), Action: models.AuditFolderDelete,
		Detail: fmt.Sprintf("detached %d secrets", detached), Success: true,
	})
}
