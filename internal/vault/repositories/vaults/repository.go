package vaults

import (
	"context"

	"github.com/opsapi/secretvault/internal/vault/models"
)

// Repository persists vaults and their key-derivation material. The salt and
// verifier columns are written only through Create and UpdateKeyMaterial;
// no other component touches them.
type Repository interface {
	Create(ctx context.Context, vault *models.Vault) error
	GetByID(ctx context.Context, id string) (*models.Vault, error)
	GetByNamespaceUser(ctx context.Context, namespaceID, userID string) (*models.Vault, error)
	SetStatus(ctx context.Context, id string, status models.VaultStatus, reason string) error
	RegisterFailedUnlock(ctx context.Context, id string) (int, error)
	RegisterUnlock(ctx context.Context, id string) error
	UpdateKeyMaterial(ctx context.Context, id string, salt, verifier []byte, iterations int) error
	AdjustSecretsCount(ctx context.Context, id string, delta int) error
	Delete(ctx context.Context, id string) error
}
