package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/opsapi/secretvault/internal/common"
	sc "github.com/opsapi/secretvault/internal/config"
	"github.com/opsapi/secretvault/internal/cryptox"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/models"
	"github.com/opsapi/secretvault/internal/vault/repositories/repomanager"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
	getObject = func(c *s3.Client, ctx context.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
		return c.GetObject(ctx, in)
	}
)

// ExportService dumps a vault's encrypted rows to S3-compatible storage and
// restores them. The dump carries ciphertext only, and the whole payload is
// additionally sealed under the session key, so the object store never holds
// anything the vault key cannot account for. A dump is bound to the key
// generation it was taken under: after a passphrase change it can no longer
// be opened or restored.
type ExportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	audit       *AuditService
	config      *sc.Config
	logger      logging.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(db *sql.DB, rm repomanager.RepositoryManager, audit *AuditService, cfg *sc.Config, logger logging.Logger) *ExportService {
	return &ExportService{db: db, repomanager: rm, audit: audit, config: cfg, logger: logger}
}

// exportedSecret is one secret row in a dump, ciphertext as stored.
type exportedSecret struct {
	Name          string            `json:"name"`
	Type          models.SecretType `json:"type"`
	Ciphertext    []byte            `json:"ciphertext"`
	Nonce         []byte            `json:"nonce"`
	AuthTag       []byte            `json:"auth_tag"`
	SchemeVersion int               `json:"scheme_version"`

	MetadataCiphertext []byte `json:"metadata_ciphertext,omitempty"`
	MetadataNonce      []byte `json:"metadata_nonce,omitempty"`
	MetadataTag        []byte `json:"metadata_tag,omitempty"`

	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RotationReminderAt *time.Time `json:"rotation_reminder_at,omitempty"`
}

// exportEnvelope is the object body: the serialized rows sealed once more
// under the session key.
type exportEnvelope struct {
	SchemeVersion int    `json:"scheme_version"`
	Nonce         []byte `json:"nonce"`
	Tag           []byte `json:"tag"`
	Payload       []byte `json:"payload"`
}

func (s *ExportService) getClient() (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	}), nil
}

func makeDumpKey(vaultID string) string {
	d := time.Now().UTC()
	return fmt.Sprintf("vaults/%s/%s-%s.dump", vaultID, d.Format("20060102T150405Z"), uuid.New())
}

// Export serializes every secret row of the session's vault, seals the dump
// under the session key, and uploads it. Returns the object key.
func (s *ExportService) Export(ctx context.Context, session *Session) (string, error) {
	key, err := session.Key()
	if err != nil {
		return "", err
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), UserID: strPtr(session.UserID),
		Action: models.AuditBulkExport,
	}

	objectKey, err := s.export(ctx, session.VaultID, key)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return "", err
	}

	entry.Detail = objectKey
	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return "", aerr
	}
	s.logger.Info(ctx, "vault exported", "vault_id", session.VaultID, "object_key", objectKey)
	return objectKey, nil
}

func (s *ExportService) export(ctx context.Context, vaultID string, key []byte) (string, error) {
	rows, err := s.repomanager.Secrets(s.db).ListByVault(ctx, vaultID)
	if err != nil {
		return "", err
	}

	dump := make([]exportedSecret, 0, len(rows))
	for _, r := range rows {
		dump = append(dump, exportedSecret{
			Name:               r.Name,
			Type:               r.Type,
			Ciphertext:         r.Ciphertext,
			Nonce:              r.Nonce,
			AuthTag:            r.AuthTag,
			SchemeVersion:      r.SchemeVersion,
			MetadataCiphertext: r.MetadataCiphertext,
			MetadataNonce:      r.MetadataNonce,
			MetadataTag:        r.MetadataTag,
			ExpiresAt:          r.ExpiresAt,
			RotationReminderAt: r.RotationReminderAt,
		})
	}

	payload, err := json.Marshal(dump)
	if err != nil {
		return "", err
	}
	sealed, nonce, tag, err := cryptox.Seal(key, payload)
	common.WipeByteArray(payload)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(exportEnvelope{
		SchemeVersion: cryptox.SchemeVersion,
		Nonce:         nonce,
		Tag:           tag,
		Payload:       sealed,
	})
	if err != nil {
		return "", err
	}

	client, err := s.getClient()
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	objectKey := makeDumpKey(vaultID)
	if _, err := putObject(client, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &objectKey,
		Body:   bytes.NewReader(body),
	}); err != nil {
		return "", err
	}
	return objectKey, nil
}

// Import downloads a dump, opens it with the session key, and restores the
// rows into the session's vault in one transaction. Rows whose name already
// exists at the vault root are skipped; restored rows land at the root, since
// the folder tree of the dump's era may be gone. Returns the number of
// restored rows.
func (s *ExportService) Import(ctx context.Context, session *Session, objectKey string) (int, error) {
	key, err := session.Key()
	if err != nil {
		return 0, err
	}

	entry := &models.AccessLogEntry{
		VaultID: strPtr(session.VaultID), UserID: strPtr(session.UserID),
		Action: models.AuditBulkImport, Detail: objectKey,
	}

	restored, err := s.importDump(ctx, session.VaultID, key, objectKey)
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return 0, err
	}

	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return 0, aerr
	}
	s.logger.Info(ctx, "vault imported", "vault_id", session.VaultID, "object_key", objectKey, "restored", restored)
	return restored, nil
}

func (s *ExportService) importDump(ctx context.Context, vaultID string, key []byte, objectKey string) (int, error) {
	client, err := s.getClient()
	if err != nil {
		return 0, err
	}

	bucket := s.config.S3Bucket
	out, err := getObject(client, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &objectKey,
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, err
	}

	var envelope exportEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, fmt.Errorf("malformed dump: %w", err)
	}
	payload, err := cryptox.Open(key, envelope.Payload, envelope.Nonce, envelope.Tag)
	if err != nil {
		return 0, err
	}
	defer common.WipeByteArray(payload)

	var dump []exportedSecret
	if err := json.Unmarshal(payload, &dump); err != nil {
		return 0, fmt.Errorf("malformed dump: %w", err)
	}

	restored := 0
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		restored = 0
		for _, d := range dump {
			secret := &models.Secret{
				ID:                 uuid.NewString(),
				VaultID:            vaultID,
				Name:               d.Name,
				Type:               d.Type,
				Ciphertext:         d.Ciphertext,
				Nonce:              d.Nonce,
				AuthTag:            d.AuthTag,
				SchemeVersion:      d.SchemeVersion,
				MetadataCiphertext: d.MetadataCiphertext,
				MetadataNonce:      d.MetadataNonce,
				MetadataTag:        d.MetadataTag,
				ExpiresAt:          d.ExpiresAt,
				RotationReminderAt: d.RotationReminderAt,
			}
			err := s.repomanager.Secrets(tx).Create(ctx, secret)
			if errors.Is(err, common.ErrDuplicateName) {
				continue
			}
			if err != nil {
				return err
			}
			restored++
		}
		if restored > 0 {
			return s.repomanager.Vaults(tx).AdjustSecretsCount(ctx, vaultID, restored)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}
