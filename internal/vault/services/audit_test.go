package services

import (
	"context"
	"errors"
	"testing"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/vault/models"
)

func newTestAuditService(t *testing.T, rm *fakeRepoManager) (*AuditService, func()) {
	t.Helper()
	db, _ := newSQLMockDB(t)
	return NewAuditService(db, rm, newTestLogger()), func() { db.Close() }
}

func TestRecord_FillsIDAndRequestContext(t *testing.T) {
	rm := newFakeRepoManager()
	svc, done := newTestAuditService(t, rm)
	defer done()

	ctx := WithRequestContext(context.Background(), models.RequestContext{
		IP: "10.0.0.1", UserAgent: "cli/1.0", RequestID: "req-7",
	})
	err := svc.Record(ctx, &models.AccessLogEntry{
		VaultID: strPtr("v1"), Action: models.AuditVaultUnlock, Success: true,
	})
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	entry := rm.audit.lastEntry(t)
	if entry.ID == "" {
		t.Fatal("entry id not generated")
	}
	if entry.IP != "10.0.0.1" || entry.UserAgent != "cli/1.0" || entry.RequestID != "req-7" {
		t.Fatalf("request metadata not applied: %+v", entry)
	}
}

func TestRecordFailure_KeepsCauseButNotTheError(t *testing.T) {
	rm := newFakeRepoManager()
	svc, done := newTestAuditService(t, rm)
	defer done()

	svc.recordFailure(context.Background(), &models.AccessLogEntry{
		VaultID: strPtr("v1"), Action: models.AuditSecretRead,
	}, errors.New("boom"))

	entry := rm.audit.lastEntry(t)
	if entry.Success {
		t.Fatal("failure entry marked successful")
	}
	if entry.ErrorMessage != "boom" {
		t.Fatalf("error message = %q, want boom", entry.ErrorMessage)
	}
}

// TestAuditTrail_OneEntryPerOperation runs a scripted mix of succeeding and
// failing store operations and checks that each one left exactly one audit
// entry — including failures whose subject ids were rolled back or never
// existed at all. The trail stores plain identifiers, so an entry must never
// depend on its subject being present in the database.
func TestAuditTrail_OneEntryPerOperation(t *testing.T) {
	rm := newFakeRepoManager()
	svc, mock, done := newTestSecretService(t, rm)
	defer done()
	key := testKeyBytes()
	session := testSession("v1", "u1", key)

	// read of a secret that never existed
	if _, err := svc.ReadSecret(context.Background(), session, "never-created"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	// create whose row is rolled back on a duplicate name
	mock.ExpectBegin()
	mock.ExpectRollback()
	rm.secrets.createErr = common.ErrDuplicateName
	if _, err := svc.CreateSecret(context.Background(), session, CreateSecretParams{
		Name: "dup", Type: models.SecretTypeGeneric, Value: []byte("v"),
	}); !errors.Is(err, common.ErrDuplicateName) {
		t.Fatalf("want ErrDuplicateName, got %v", err)
	}
	rm.secrets.createErr = nil

	// delete of a secret that never existed
	mock.ExpectBegin()
	mock.ExpectRollback()
	if err := svc.DeleteSecret(context.Background(), session, "never-created"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	// a successful create for contrast
	mock.ExpectBegin()
	mock.ExpectCommit()
	if _, err := svc.CreateSecret(context.Background(), session, CreateSecretParams{
		Name: "ok", Type: models.SecretTypeGeneric, Value: []byte("v"),
	}); err != nil {
		t.Fatalf("CreateSecret error: %v", err)
	}

	if len(rm.audit.entries) != 4 {
		t.Fatalf("audit entries = %d, want one per operation (4)", len(rm.audit.entries))
	}
	for i, e := range rm.audit.entries[:3] {
		if e.Success {
			t.Fatalf("entry %d marked successful for a failed operation: %+v", i, e)
		}
		if e.SecretID == nil || *e.SecretID == "" {
			t.Fatalf("entry %d lost its subject id: %+v", i, e)
		}
	}
	if _, stored := rm.secrets.secrets[*rm.audit.entries[1].SecretID]; stored {
		t.Fatal("rolled-back create must not leave a secret row")
	}
	if !rm.audit.entries[3].Success {
		t.Fatalf("successful operation recorded as failure: %+v", rm.audit.entries[3])
	}
}

func TestRecord_SurfacesInsertError(t *testing.T) {
	rm := newFakeRepoManager()
	rm.audit.insertErr = errors.New("disk full")
	svc, done := newTestAuditService(t, rm)
	defer done()

	err := svc.Record(context.Background(), &models.AccessLogEntry{Action: models.AuditVaultLock})
	if err == nil {
		t.Fatal("expected insert error to surface")
	}
}
