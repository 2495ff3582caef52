package folders

import (
	"context"

	"github.com/opsapi/secretvault/internal/vault/models"
)

// Repository persists the folder tree of a vault. Paths are materialized
// ("/<id>/<id>") and maintained by the secret store, not by database
// triggers, so every mutation happens in an explicit transaction.
type Repository interface {
	Create(ctx context.Context, folder *models.Folder) error
	GetByID(ctx context.Context, vaultID, id string) (*models.Folder, error)
	ListByVault(ctx context.Context, vaultID string) ([]*models.Folder, error)
	ListSubtree(ctx context.Context, vaultID, pathPrefix string) ([]*models.Folder, error)
	Rename(ctx context.Context, vaultID, id, name string) error
	Rebase(ctx context.Context, vaultID, id string, parentID *string, oldPath, newPath string, depthDelta int) error
	DeleteSubtree(ctx context.Context, vaultID, pathPrefix string) (int64, error)
	AdjustSecretsCount(ctx context.Context, id string, delta int) error
}
