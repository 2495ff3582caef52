package services

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/models"
	"github.com/opsapi/secretvault/internal/vault/repositories/repomanager"
)

// AuditService appends access-log records. Writes go through the root
// connection, never through a caller's transaction: a rolled-back operation
// must still leave its audit trace.
type AuditService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
}

// NewAuditService constructs an AuditService.
func NewAuditService(db *sql.DB, rm repomanager.RepositoryManager, logger logging.Logger) *AuditService {
	return &AuditService{db: db, repomanager: rm, logger: logger}
}

// Record persists one audit entry, filling in the id and any request
// metadata attached to ctx. The returned error matters on success paths:
// an operation is not complete until its audit record is durable.
func (s *AuditService) Record(ctx context.Context, entry *models.AccessLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	rc := requestContextFrom(ctx)
	if entry.IP == "" {
		entry.IP = rc.IP
	}
	if entry.UserAgent == "" {
		entry.UserAgent = rc.UserAgent
	}
	if entry.RequestID == "" {
		entry.RequestID = rc.RequestID
	}

	if err := s.repomanager.AuditLog(s.db).Insert(ctx, entry); err != nil {
		s.logger.Error(ctx, "audit write failed", "action", entry.Action, "error", err)
		return err
	}
	return nil
}

// recordFailure is Record for failure paths: the original error is what the
// caller needs to see, so an audit write failure is logged but not returned.
func (s *AuditService) recordFailure(ctx context.Context, entry *models.AccessLogEntry, cause error) {
	entry.Success = false
	if cause != nil {
		entry.ErrorMessage = cause.Error()
	}
	_ = s.Record(ctx, entry)
}

// ListByVault exposes the audit trail of a vault for compliance review.
func (s *AuditService) ListByVault(ctx context.Context, vaultID string, limit int) ([]*models.AccessLogEntry, error) {
	return s.repomanager.AuditLog(s.db).ListByVault(ctx, vaultID, limit)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
