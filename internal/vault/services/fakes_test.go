package services

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/dbx"
	"github.com/opsapi/secretvault/internal/logging"
	"github.com/opsapi/secretvault/internal/vault/models"
	auditrepo "github.com/opsapi/secretvault/internal/vault/repositories/auditlog"
	foldersrepo "github.com/opsapi/secretvault/internal/vault/repositories/folders"
	secretsrepo "github.com/opsapi/secretvault/internal/vault/repositories/secrets"
	sharesrepo "github.com/opsapi/secretvault/internal/vault/repositories/shares"
	vaultsrepo "github.com/opsapi/secretvault/internal/vault/repositories/vaults"
)

// --- harness ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --- vaults ---

type statusCall struct {
	status models.VaultStatus
	reason string
}

type keyMaterial struct {
	salt       []byte
	verifier   []byte
	iterations int
}

type fakeVaultsRepo struct {
	vault     *models.Vault
	getErr    error
	createErr error

	created        *models.Vault
	failedAttempts int
	failedCalls    int
	unlockCalls    int
	statusCalls    []statusCall
	keyMaterial    *keyMaterial
	adjustments    []int
	deleted        []string
}

func (f *fakeVaultsRepo) Create(ctx context.Context, v *models.Vault) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = v
	return nil
}

func (f *fakeVaultsRepo) GetByID(ctx context.Context, id string) (*models.Vault, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.vault == nil {
		return nil, common.ErrNotFound
	}
	return f.vault, nil
}

func (f *fakeVaultsRepo) GetByNamespaceUser(ctx context.Context, namespaceID, userID string) (*models.Vault, error) {
	return f.GetByID(ctx, "")
}

func (f *fakeVaultsRepo) SetStatus(ctx context.Context, id string, status models.VaultStatus, reason string) error {
	f.statusCalls = append(f.statusCalls, statusCall{status, reason})
	return nil
}

func (f *fakeVaultsRepo) RegisterFailedUnlock(ctx context.Context, id string) (int, error) {
	f.failedCalls++
	f.failedAttempts++
	return f.failedAttempts, nil
}

func (f *fakeVaultsRepo) RegisterUnlock(ctx context.Context, id string) error {
	f.unlockCalls++
	f.failedAttempts = 0
	return nil
}

func (f *fakeVaultsRepo) UpdateKeyMaterial(ctx context.Context, id string, salt, verifier []byte, iterations int) error {
	f.keyMaterial = &keyMaterial{salt: salt, verifier: verifier, iterations: iterations}
	return nil
}

func (f *fakeVaultsRepo) AdjustSecretsCount(ctx context.Context, id string, delta int) error {
	f.adjustments = append(f.adjustments, delta)
	return nil
}

func (f *fakeVaultsRepo) Delete(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// --- folders ---

type rebaseCall struct {
	id         string
	parentID   *string
	oldPath    string
	newPath    string
	depthDelta int
}

type fakeFoldersRepo struct {
	folders   map[string]*models.Folder
	createErr error
	renameErr error

	created     []*models.Folder
	renames     map[string]string
	rebases     []rebaseCall
	subtree     []*models.Folder
	deletedSubs []string
	adjustments map[string]int
}

func newFakeFoldersRepo() *fakeFoldersRepo {
	return &fakeFoldersRepo{
		folders:     map[string]*models.Folder{},
		renames:     map[string]string{},
		adjustments: map[string]int{},
	}
}

func (f *fakeFoldersRepo) Create(ctx context.Context, folder *models.Folder) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, folder)
	f.folders[folder.ID] = folder
	return nil
}

func (f *fakeFoldersRepo) GetByID(ctx context.Context, vaultID, id string) (*models.Folder, error) {
	folder, ok := f.folders[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return folder, nil
}

func (f *fakeFoldersRepo) ListByVault(ctx context.Context, vaultID string) ([]*models.Folder, error) {
	var result []*models.Folder
	for _, folder := range f.folders {
		result = append(result, folder)
	}
	return result, nil
}

func (f *fakeFoldersRepo) ListSubtree(ctx context.Context, vaultID, pathPrefix string) ([]*models.Folder, error) {
	return f.subtree, nil
}

func (f *fakeFoldersRepo) Rename(ctx context.Context, vaultID, id, name string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	f.renames[id] = name
	return nil
}

func (f *fakeFoldersRepo) Rebase(ctx context.Context, vaultID, id string, parentID *string, oldPath, newPath string, depthDelta int) error {
	f.rebases = append(f.rebases, rebaseCall{id, parentID, oldPath, newPath, depthDelta})
	return nil
}

func (f *fakeFoldersRepo) DeleteSubtree(ctx context.Context, vaultID, pathPrefix string) (int64, error) {
	f.deletedSubs = append(f.deletedSubs, pathPrefix)
	return int64(len(f.subtree)), nil
}

func (f *fakeFoldersRepo) AdjustSecretsCount(ctx context.Context, id string, delta int) error {
	f.adjustments[id] += delta
	return nil
}

// --- secrets ---

type fakeSecretsRepo struct {
	secrets    map[string]*models.Secret
	createErr  error
	createHook func() error
	updateErr  error

	created       []*models.Secret
	updated       []*models.Secret
	rekeyed       []*models.Secret
	listForUpdate []*models.Secret
	touched       []string
	moves         map[string]*string
	sharing       map[string]int
	stamped       []string
	clearedIDs    [][]string
	clearedCount  int64
	deleted       []string
}

func newFakeSecretsRepo() *fakeSecretsRepo {
	return &fakeSecretsRepo{
		secrets: map[string]*models.Secret{},
		moves:   map[string]*string{},
		sharing: map[string]int{},
	}
}

func (f *fakeSecretsRepo) Create(ctx context.Context, secret *models.Secret) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.createHook != nil {
		if err := f.createHook(); err != nil {
			return err
		}
	}
	f.created = append(f.created, secret)
	f.secrets[secret.ID] = secret
	return nil
}

func (f *fakeSecretsRepo) GetByID(ctx context.Context, vaultID, id string) (*models.Secret, error) {
	secret, ok := f.secrets[id]
	if !ok || secret.VaultID != vaultID {
		return nil, common.ErrNotFound
	}
	return secret, nil
}

func (f *fakeSecretsRepo) ListByVault(ctx context.Context, vaultID string) ([]*models.Secret, error) {
	var result []*models.Secret
	for _, s := range f.secrets {
		if s.VaultID == vaultID {
			result = append(result, s)
		}
	}
	return result, nil
}

func (f *fakeSecretsRepo) ListByFolder(ctx context.Context, vaultID string, folderID *string) ([]*models.Secret, error) {
	return f.ListByVault(ctx, vaultID)
}

func (f *fakeSecretsRepo) ListForUpdate(ctx context.Context, vaultID string) ([]*models.Secret, error) {
	return f.listForUpdate, nil
}

func (f *fakeSecretsRepo) UpdateValue(ctx context.Context, secret *models.Secret) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, secret)
	secret.RowVersion++
	return nil
}

func (f *fakeSecretsRepo) Rekey(ctx context.Context, secret *models.Secret) error {
	f.rekeyed = append(f.rekeyed, secret)
	return nil
}

func (f *fakeSecretsRepo) TouchAccess(ctx context.Context, vaultID, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeSecretsRepo) MoveToFolder(ctx context.Context, vaultID, id string, folderID *string) error {
	f.moves[id] = folderID
	return nil
}

func (f *fakeSecretsRepo) SetSharing(ctx context.Context, id string, delta int) error {
	f.sharing[id] += delta
	return nil
}

func (f *fakeSecretsRepo) StampRotated(ctx context.Context, vaultID, id string) error {
	f.stamped = append(f.stamped, id)
	return nil
}

func (f *fakeSecretsRepo) ClearFolderRefs(ctx context.Context, vaultID string, folderIDs []string) (int64, error) {
	f.clearedIDs = append(f.clearedIDs, folderIDs)
	return f.clearedCount, nil
}

func (f *fakeSecretsRepo) Delete(ctx context.Context, vaultID, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.secrets, id)
	return nil
}

// --- shares ---

type fakeSharesRepo struct {
	shares      map[string]*models.Share
	createErr   error
	byTarget    *models.Share
	byTargetErr error

	created       []*models.Share
	revoked       []string
	revokeAllOf   []string
	sweepIDs      []string
	revokeAllHits int64
}

func newFakeSharesRepo() *fakeSharesRepo {
	return &fakeSharesRepo{shares: map[string]*models.Share{}, byTargetErr: common.ErrNotFound}
}

func (f *fakeSharesRepo) Create(ctx context.Context, share *models.Share) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, share)
	f.shares[share.ID] = share
	return nil
}

func (f *fakeSharesRepo) GetByID(ctx context.Context, id string) (*models.Share, error) {
	share, ok := f.shares[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return share, nil
}

func (f *fakeSharesRepo) GetByTargetSecret(ctx context.Context, targetSecretID string) (*models.Share, error) {
	if f.byTargetErr != nil {
		return nil, f.byTargetErr
	}
	return f.byTarget, nil
}

func (f *fakeSharesRepo) ListBySourceSecret(ctx context.Context, sourceSecretID string) ([]*models.Share, error) {
	var result []*models.Share
	for _, s := range f.shares {
		if s.SourceSecretID != nil && *s.SourceSecretID == sourceSecretID {
			result = append(result, s)
		}
	}
	return result, nil
}

func (f *fakeSharesRepo) Revoke(ctx context.Context, id, revokedBy string) error {
	share, ok := f.shares[id]
	if !ok || share.Status != models.ShareStatusActive {
		return common.ErrNotFound
	}
	share.Status = models.ShareStatusRevoked
	share.RevokedBy = revokedBy
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeSharesRepo) RevokeAllForSourceSecret(ctx context.Context, sourceSecretID, revokedBy string) (int64, error) {
	f.revokeAllOf = append(f.revokeAllOf, sourceSecretID)
	return f.revokeAllHits, nil
}

func (f *fakeSharesRepo) SweepExpired(ctx context.Context) ([]string, error) {
	return f.sweepIDs, nil
}

// --- audit ---

type fakeAuditRepo struct {
	insertErr error
	entries   []*models.AccessLogEntry
}

func (f *fakeAuditRepo) Insert(ctx context.Context, entry *models.AccessLogEntry) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRepo) ListByVault(ctx context.Context, vaultID string, limit int) ([]*models.AccessLogEntry, error) {
	return f.entries, nil
}

// lastEntry fails the test when no audit record was written.
func (f *fakeAuditRepo) lastEntry(t *testing.T) *models.AccessLogEntry {
	t.Helper()
	if len(f.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return f.entries[len(f.entries)-1]
}

// --- repomanager ---

type fakeRepoManager struct {
	vaults  *fakeVaultsRepo
	folders *fakeFoldersRepo
	secrets *fakeSecretsRepo
	shares  *fakeSharesRepo
	audit   *fakeAuditRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		vaults:  &fakeVaultsRepo{},
		folders: newFakeFoldersRepo(),
		secrets: newFakeSecretsRepo(),
		shares:  newFakeSharesRepo(),
		audit:   &fakeAuditRepo{},
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error    { return nil }
func (m *fakeRepoManager) Vaults(db dbx.DBTX) vaultsrepo.Repository        { return m.vaults }
func (m *fakeRepoManager) Folders(db dbx.DBTX) foldersrepo.Repository      { return m.folders }
func (m *fakeRepoManager) Secrets(db dbx.DBTX) secretsrepo.Repository      { return m.secrets }
func (m *fakeRepoManager) Shares(db dbx.DBTX) sharesrepo.Repository        { return m.shares }
func (m *fakeRepoManager) AuditLog(db dbx.DBTX) auditrepo.Repository       { return m.audit }

func testSession(vaultID, userID string, key []byte) *Session {
	return newSession(vaultID, userID, key, time.Minute)
}
