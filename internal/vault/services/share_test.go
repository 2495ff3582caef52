package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/cryptox"
	"github.com/opsapi/secretvault/internal/vault/models"
)

func newTestShareService(t *testing.T, rm *fakeRepoManager) (*ShareService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock := newSQLMockDB(t)
	audit := NewAuditService(db, rm, newTestLogger())
	svc := NewShareService(db, rm, audit, newTestLogger())
	return svc, mock, func() { db.Close() }
}

func shareKeys() (src, dst []byte) {
	return bytes.Repeat([]byte{0x11}, cryptox.KeySize), bytes.Repeat([]byte{0x22}, cryptox.KeySize)
}

func TestShareSecret_ReencryptsForRecipient(t *testing.T) {
	rm := newFakeRepoManager()
	srcKey, dstKey := shareKeys()
	source := sealedSecret(t, srcKey, "s1", "vA", []byte("p@ssw0rd123"), []byte(`{"env":"prod"}`))
	rm.secrets.secrets["s1"] = source
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectCommit()

	share, err := svc.ShareSecret(context.Background(),
		testSession("vA", "alice", srcKey), testSession("vB", "bob", dstKey),
		"s1", ShareSecretParams{Permission: models.SharePermissionRead})
	if err != nil {
		t.Fatalf("ShareSecret error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}

	if len(rm.secrets.created) != 1 {
		t.Fatalf("recipient copies = %d, want 1", len(rm.secrets.created))
	}
	recipientCopy := rm.secrets.created[0]
	if recipientCopy.VaultID != "vB" {
		t.Fatalf("copy vault = %q, want vB", recipientCopy.VaultID)
	}
	if recipientCopy.ID == source.ID {
		t.Fatal("recipient copy must be a distinct row")
	}
	if bytes.Equal(recipientCopy.Nonce, source.Nonce) {
		t.Fatal("recipient copy must use a fresh nonce")
	}

	// The copy opens under the recipient key, not the source key.
	got, err := cryptox.Open(dstKey, recipientCopy.Ciphertext, recipientCopy.Nonce, recipientCopy.AuthTag)
	if err != nil || !bytes.Equal(got, []byte("p@ssw0rd123")) {
		t.Fatalf("recipient copy round-trip failed: %q, %v", got, err)
	}
	if _, err := cryptox.Open(srcKey, recipientCopy.Ciphertext, recipientCopy.Nonce, recipientCopy.AuthTag); err == nil {
		t.Fatal("recipient copy must not open under the source key")
	}
	meta, err := cryptox.Open(dstKey, recipientCopy.MetadataCiphertext, recipientCopy.MetadataNonce, recipientCopy.MetadataTag)
	if err != nil || !bytes.Equal(meta, []byte(`{"env":"prod"}`)) {
		t.Fatalf("metadata not re-encrypted: %q, %v", meta, err)
	}

	if share.Status != models.ShareStatusActive || share.TargetSecretID == nil || *share.TargetSecretID != recipientCopy.ID {
		t.Fatalf("share = %+v", share)
	}
	if rm.secrets.sharing["s1"] != 1 {
		t.Fatalf("source sharing delta = %d, want 1", rm.secrets.sharing["s1"])
	}

	var actions []models.AuditAction
	for _, e := range rm.audit.entries {
		actions = append(actions, e.Action)
	}
	want := []models.AuditAction{models.AuditSecretShare, models.AuditShareAccept}
	if len(actions) != 2 || actions[0] != want[0] || actions[1] != want[1] {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
}

func TestShareSecret_ReshareNotPermitted(t *testing.T) {
	rm := newFakeRepoManager()
	srcKey, dstKey := shareKeys()
	rm.secrets.secrets["s1"] = sealedSecret(t, srcKey, "s1", "vA", []byte("v"), nil)
	rm.shares.byTargetErr = nil
	rm.shares.byTarget = &models.Share{ID: "origin", TargetSecretID: strPtr("s1"), CanReshare: false}
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.ShareSecret(context.Background(),
		testSession("vA", "alice", srcKey), testSession("vB", "bob", dstKey),
		"s1", ShareSecretParams{Permission: models.SharePermissionRead})
	if !errors.Is(err, common.ErrReshareNotPermitted) {
		t.Fatalf("want ErrReshareNotPermitted, got %v", err)
	}
	if len(rm.secrets.created) != 0 || len(rm.shares.created) != 0 {
		t.Fatal("no rows may be created when resharing is rejected")
	}
}

func TestShareSecret_ReshareAllowed(t *testing.T) {
	rm := newFakeRepoManager()
	srcKey, dstKey := shareKeys()
	rm.secrets.secrets["s1"] = sealedSecret(t, srcKey, "s1", "vA", []byte("v"), nil)
	rm.shares.byTargetErr = nil
	rm.shares.byTarget = &models.Share{ID: "origin", TargetSecretID: strPtr("s1"), CanReshare: true}
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectCommit()

	if _, err := svc.ShareSecret(context.Background(),
		testSession("vA", "alice", srcKey), testSession("vB", "bob", dstKey),
		"s1", ShareSecretParams{Permission: models.SharePermissionWrite}); err != nil {
		t.Fatalf("ShareSecret error: %v", err)
	}
}

func TestShareSecret_AbortsOnTamperedSource(t *testing.T) {
	rm := newFakeRepoManager()
	srcKey, dstKey := shareKeys()
	source := sealedSecret(t, srcKey, "s1", "vA", []byte("v"), nil)
	source.AuthTag[0] ^= 0x01
	rm.secrets.secrets["s1"] = source
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.ShareSecret(context.Background(),
		testSession("vA", "alice", srcKey), testSession("vB", "bob", dstKey),
		"s1", ShareSecretParams{Permission: models.SharePermissionRead})
	if !errors.Is(err, common.ErrTamperedOrWrongKey) {
		t.Fatalf("want ErrTamperedOrWrongKey, got %v", err)
	}
	if len(rm.secrets.created) != 0 {
		t.Fatal("no recipient copy may exist after an aborted share")
	}
	entry := rm.audit.lastEntry(t)
	if entry.Action != models.AuditSecretShare || entry.Success {
		t.Fatalf("audit entry = %+v, want failed secret_share", entry)
	}
}

func TestShareSecret_DuplicateRecipient(t *testing.T) {
	rm := newFakeRepoManager()
	srcKey, dstKey := shareKeys()
	rm.secrets.secrets["s1"] = sealedSecret(t, srcKey, "s1", "vA", []byte("v"), nil)
	rm.shares.createErr = common.ErrAlreadyExists
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.ShareSecret(context.Background(),
		testSession("vA", "alice", srcKey), testSession("vB", "bob", dstKey),
		"s1", ShareSecretParams{Permission: models.SharePermissionRead})
	if !errors.Is(err, common.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
}

func TestRevokeShare_Success(t *testing.T) {
	rm := newFakeRepoManager()
	rm.shares.shares["sh1"] = &models.Share{
		ID: "sh1", SourceSecretID: strPtr("s1"), SourceVaultID: "vA", SourceUserID: "alice",
		TargetSecretID: strPtr("s2"), TargetVaultID: "vB", TargetUserID: "bob",
		Status: models.ShareStatusActive,
	}
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectCommit()

	srcKey, _ := shareKeys()
	if err := svc.RevokeShare(context.Background(), testSession("vA", "alice", srcKey), "sh1"); err != nil {
		t.Fatalf("RevokeShare error: %v", err)
	}
	if rm.shares.shares["sh1"].Status != models.ShareStatusRevoked {
		t.Fatal("share not revoked")
	}
	if rm.secrets.sharing["s1"] != -1 {
		t.Fatalf("source sharing delta = %d, want -1", rm.secrets.sharing["s1"])
	}
	entry := rm.audit.lastEntry(t)
	if entry.Action != models.AuditShareRevoke || !entry.Success {
		t.Fatalf("audit entry = %+v, want successful share_revoke", entry)
	}
}

func TestRevokeShare_ForeignVault(t *testing.T) {
	rm := newFakeRepoManager()
	rm.shares.shares["sh1"] = &models.Share{
		ID: "sh1", SourceSecretID: strPtr("s1"), SourceVaultID: "vA", Status: models.ShareStatusActive,
	}
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, dstKey := shareKeys()
	err := svc.RevokeShare(context.Background(), testSession("vB", "bob", dstKey), "sh1")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if rm.shares.shares["sh1"].Status != models.ShareStatusActive {
		t.Fatal("foreign caller must not revoke the share")
	}
}

func TestSweepExpiredShares_DecrementsCounters(t *testing.T) {
	rm := newFakeRepoManager()
	rm.shares.sweepIDs = []string{"s1", "s2", "s1"}
	svc, mock, done := newTestShareService(t, rm)
	defer done()
	mock.ExpectBegin()
	mock.ExpectCommit()

	swept, err := svc.SweepExpiredShares(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredShares error: %v", err)
	}
	if swept != 3 {
		t.Fatalf("swept = %d, want 3", swept)
	}
	if rm.secrets.sharing["s1"] != -2 || rm.secrets.sharing["s2"] != -1 {
		t.Fatalf("sharing deltas = %v", rm.secrets.sharing)
	}
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	rm := newFakeRepoManager()
	svc, _, done := newTestShareService(t, rm)
	defer done()

	sweeper := NewSweeper(svc, time.Hour, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
