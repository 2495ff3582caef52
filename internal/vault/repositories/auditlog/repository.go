package auditlog

import (
	"context"

	"github.com/opsapi/secretvault/internal/vault/models"
)

// Repository is the append-only audit store. There is deliberately no update
// or delete method; audit integrity depends on it.
type Repository interface {
	Insert(ctx context.Context, entry *models.AccessLogEntry) error
	ListByVault(ctx context.Context, vaultID string, limit int) ([]*models.AccessLogEntry, error)
}
