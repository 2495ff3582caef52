package shares

import (
	"context"

	"github.com/opsapi/secretvault/internal/vault/models"
)

// Repository persists share grants. Grants reference both the source secret
// and the recipient's independent encrypted copy.
type Repository interface {
	Create(ctx context.Context, share *models.Share) error
	GetByID(ctx context.Context, id string) (*models.Share, error)
	GetByTargetSecret(ctx context.Context, targetSecretID string) (*models.Share, error)
	ListBySourceSecret(ctx context.Context, sourceSecretID string) ([]*models.Share, error)
	Revoke(ctx context.Context, id, revokedBy string) error
	RevokeAllForSourceSecret(ctx context.Context, sourceSecretID, revokedBy string) (int64, error)
	SweepExpired(ctx context.Context) ([]string, error)
}
