package services

import (
	"context"
	"database/sql"
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

const (
	// Passphrase length bounds, enforced on create and change.
	MinPassphraseLength = 8
	MaxPassphraseLength = 64
)

// VaultService owns the vault lifecycle: creation, unlock with key
// verification, lock/suspend transitions, deletion, and passphrase change
// with atomic re-encryption of every stored secret.
type VaultService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	audit       *AuditService
	kdf         *cryptox.Pool
	iterations  int
	sessionTTL  time.Duration
	logger      logging.Logger
}

// NewVaultService constructs a VaultService.
func NewVaultService(db *sql.DB, rm repomanager.RepositoryManager, audit *AuditService,
	kdf *cryptox.Pool, iterations int, sessionTTL time.Duration, logger logging.Logger) *VaultService {
	return &VaultService{
		db:          db,
		repomanager: rm,
		audit:       audit,
		kdf:         kdf,
		iterations:  iterations,
		sessionTTL:  sessionTTL,
		logger:      logger,
	}
}

func validatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength || len(passphrase) > MaxPassphraseLength {
		return fmt.Errorf("passphrase must be between %d and %d characters", MinPassphraseLength, MaxPassphraseLength)
	}
	return nil
}

// CreateVault sets up the single vault for a (namespace, user) pair. The
// passphrase is used once to derive the key and its verifier; neither the
// passphrase nor the key is stored.
func (s *VaultService) CreateVault(ctx context.Context, namespaceID, userID, name, passphrase string) (*models.Vault, error) {
	if err := validatePassphrase(passphrase); err != nil {
		return nil, err
	}

	salt := cryptox.NewSalt()
	key, err := s.kdf.Derive(ctx, []byte(passphrase), salt, s.iterations)
	if err != nil {
		return nil, err
	}
	verifier := cryptox.MakeVerifier(key)
	common.WipeByteArray(key)

	vault := &models.Vault{
		ID:            uuid.NewString(),
		NamespaceID:   namespaceID,
		UserID:        userID,
		Name:          name,
		Salt:          salt,
		KeyVerifier:   verifier,
		KDFIterations: s.iterations,
		Status:        models.VaultStatusActive,
	}

	if err := s.repomanager.Vaults(s.db).Create(ctx, vault); err != nil {
		s.audit.recordFailure(ctx, &models.AccessLogEntry{
			VaultID: strPtr(vault.ID), UserID: strPtr(userID), Action: models.AuditVaultCreate,
		}, err)
		return nil, err
	}

	if err := s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(vault.ID), UserID: strPtr(userID),
		Action: models.AuditVaultCreate, Success: true,
	}); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "vault created", "vault_id", vault.ID, "namespace_id", namespaceID, "user_id", userID)
	return vault, nil
}

// Unlock verifies the passphrase against the stored verifier and, on success,
// returns a Session holding the derived key for a bounded lifetime. A wrong
// passphrase increments the failed-attempt counter; the counter is exposed to
// an external lockout policy, which may call Suspend.
func (s *VaultService) Unlock(ctx context.Context, vaultID, passphrase string) (*Session, error) {
	vault, err := s.repomanager.Vaults(s.db).GetByID(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status == models.VaultStatusSuspended {
		return nil, common.ErrVaultSuspended
	}

	key, err := s.kdf.Derive(ctx, []byte(passphrase), vault.Salt, vault.KDFIterations)
	if err != nil {
		return nil, err
	}

	if !cryptox.VerifierMatch(vault.KeyVerifier, cryptox.MakeVerifier(key)) {
		common.WipeByteArray(key)
		attempts, ferr := s.repomanager.Vaults(s.db).RegisterFailedUnlock(ctx, vaultID)
		if ferr != nil {
			return nil, ferr
		}
		s.audit.recordFailure(ctx, &models.AccessLogEntry{
			VaultID: strPtr(vaultID), UserID: strPtr(vault.UserID),
			Action: models.AuditFailedUnlock,
			Detail: fmt.Sprintf("failed attempts: %d", attempts),
		}, common.ErrWrongPassphrase)
		s.logger.Warn(ctx, "failed unlock", "vault_id", vaultID, "failed_attempts", attempts)
		return nil, common.ErrWrongPassphrase
	}

	if err := s.repomanager.Vaults(s.db).RegisterUnlock(ctx, vaultID); err != nil {
		common.WipeByteArray(key)
		return nil, err
	}

	if err := s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(vaultID), UserID: strPtr(vault.UserID),
		Action: models.AuditVaultUnlock, Success: true,
	}); err != nil {
		common.WipeByteArray(key)
		return nil, err
	}

	return newSession(vaultID, vault.UserID, key, s.sessionTTL), nil
}

// Lock transitions a vault to locked. Idempotent; the caller is responsible
// for closing any live sessions it holds.
func (s *VaultService) Lock(ctx context.Context, vaultID, reason string) error {
	if err := s.repomanager.Vaults(s.db).SetStatus(ctx, vaultID, models.VaultStatusLocked, reason); err != nil {
		return err
	}
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(vaultID), Action: models.AuditVaultLock,
		Detail: reason, Success: true,
	})
}

// Suspend transitions a vault to the terminal suspended state. Called by an
// external lockout policy, typically after repeated failed unlocks.
func (s *VaultService) Suspend(ctx context.Context, vaultID, reason string) error {
	if err := s.repomanager.Vaults(s.db).SetStatus(ctx, vaultID, models.VaultStatusSuspended, reason); err != nil {
		return err
	}
	s.logger.Warn(ctx, "vault suspended", "vault_id", vaultID, "reason", reason)
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(vaultID), Action: models.AuditVaultLock,
		Detail: "suspended: " + reason, Success: true,
	})
}

// DeleteVault removes a vault and, through foreign keys, its folders,
// secrets, and shares. Audit records survive with their references nulled.
func (s *VaultService) DeleteVault(ctx context.Context, vaultID string) error {
	if err := s.repomanager.Vaults(s.db).Delete(ctx, vaultID); err != nil {
		return err
	}
	return s.audit.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr(vaultID), Action: models.AuditVaultDelete, Success: true,
	})
}

// ChangePassphrase re-keys a vault: it verifies the old passphrase, derives a
// new key from a fresh salt, re-encrypts every secret (value and metadata)
// under the new key, and commits the new salt and verifier — all inside one
// serializable transaction with the secret rows locked, so a failure at any
// point leaves the vault entirely on the old key.
func (s *VaultService) ChangePassphrase(ctx context.Context, vaultID, oldPassphrase, newPassphrase string) error {
	if err := validatePassphrase(newPassphrase); err != nil {
		return err
	}

	vault, err := s.repomanager.Vaults(s.db).GetByID(ctx, vaultID)
	if err != nil {
		return err
	}
	if vault.Status == models.VaultStatusSuspended {
		return common.ErrVaultSuspended
	}

	oldKey, err := s.kdf.Derive(ctx, []byte(oldPassphrase), vault.Salt, vault.KDFIterations)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldKey)

	if !cryptox.VerifierMatch(vault.KeyVerifier, cryptox.MakeVerifier(oldKey)) {
		s.audit.recordFailure(ctx, &models.AccessLogEntry{
			VaultID: strPtr(vaultID), UserID: strPtr(vault.UserID),
			Action: models.AuditVaultKeyChange,
		}, common.ErrWrongPassphrase)
		return common.ErrWrongPassphrase
	}

	newSalt := cryptox.NewSalt()
	newKey, err := s.kdf.Derive(ctx, []byte(newPassphrase), newSalt, s.iterations)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(newKey)

	err = dbx.WithSerializableTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		secretRepo := s.repomanager.Secrets(tx)

		locked, err := secretRepo.ListForUpdate(ctx, vaultID)
		if err != nil {
			return err
		}

		for _, secret := range locked {
			if err := rekeySecret(secret, oldKey, newKey); err != nil {
				return err
			}
			if err := secretRepo.Rekey(ctx, secret); err != nil {
				return err
			}
		}

		verifier := cryptox.MakeVerifier(newKey)
		return s.repomanager.Vaults(tx).UpdateKeyMaterial(ctx, vaultID, newSalt, verifier, s.iterations)
	})

	entry := &models.AccessLogEntry{
		VaultID: strPtr(vaultID), UserID: strPtr(vault.UserID),
		Action: models.AuditVaultKeyChange,
	}
	if err != nil {
		s.audit.recordFailure(ctx, entry, err)
		return err
	}
	entry.Success = true
	if aerr := s.audit.Record(ctx, entry); aerr != nil {
		return aerr
	}

	s.logger.Info(ctx, "vault re-keyed", "vault_id", vaultID)
	return nil
}

// rekeySecret decrypts the secret's value and metadata with oldKey and
// re-encrypts both under newKey with fresh nonces, in place.
func rekeySecret(secret *models.Secret, oldKey, newKey []byte) error {
	plaintext, err := cryptox.Open(oldKey, secret.Ciphertext, secret.Nonce, secret.AuthTag)
	if err != nil {
		return err
	}
	secret.Ciphertext, secret.Nonce, secret.AuthTag, err = cryptox.Seal(newKey, plaintext)
	common.WipeByteArray(plaintext)
	if err != nil {
		return err
	}

	if !secret.HasMetadata() {
		return nil
	}
	metadata, err := cryptox.Open(oldKey, secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag)
	if err != nil {
		return err
	}
	secret.MetadataCiphertext, secret.MetadataNonce, secret.MetadataTag, err = cryptox.Seal(newKey, metadata)
	common.WipeByteArray(metadata)
	return err
}
