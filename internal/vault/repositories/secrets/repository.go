package secrets

import (
	"context"

	"github.com/opsapi/secretvault/internal/vault/models"
)

// Repository persists encrypted secret rows. It only ever sees ciphertext;
// encryption and decryption happen in the service layer against a live
// session key.
type Repository interface {
	Create(ctx context.Context, secret *models.Secret) error
	GetByID(ctx context.Context, vaultID, id string) (*models.Secret, error)
	ListByVault(ctx context.Context, vaultID string) ([]*models.Secret, error)
	ListByFolder(ctx context.Context, vaultID string, folderID *string) ([]*models.Secret, error)
	ListForUpdate(ctx context.Context, vaultID string) ([]*models.Secret, error)
	UpdateValue(ctx context.Context, secret *models.Secret) error
	Rekey(ctx context.Context, secret *models.Secret) error
	TouchAccess(ctx context.Context, vaultID, id string) error
	MoveToFolder(ctx context.Context, vaultID, id string, folderID *string) error
	SetSharing(ctx context.Context, id string, delta int) error
	StampRotated(ctx context.Context, vaultID, id string) error
	ClearFolderRefs(ctx context.Context, vaultID string, folderIDs []string) (int64, error)
	Delete(ctx context.Context, vaultID, id string) error
}
