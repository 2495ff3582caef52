// Package services contains the vault business logic: vault lifecycle and
// key verification, the encrypted secret store, the sharing engine, audit
// logging, and bulk export/import.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/opsapi/secretvault/internal/common"
	"github.com/opsapi/secretvault/internal/vault/models"
)

// Session is a live, in-memory unlock of one vault. It holds the derived key
// for a bounded lifetime and is never persisted or cached in shared state;
// the caller owns it and must Close it when done, which wipes the key.
type Session struct {
	VaultID string
	UserID  string

	mu        sync.Mutex
	key       []byte
	expiresAt time.Time
	closed    bool
}

func newSession(vaultID, userID string, key []byte, ttl time.Duration) *Session {
	return &Session{
		VaultID:   vaultID,
		UserID:    userID,
		key:       key,
		expiresAt: time.Now().Add(ttl),
	}
}

// Key returns the session key, or common.ErrSessionExpired once the session
// has expired or been closed. Callers must not retain the returned slice
// beyond the current operation.
func (s *Session) Key() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || time.Now().After(s.expiresAt) {
		return nil, common.ErrSessionExpired
	}
	return s.key, nil
}

// Close wipes the key material and invalidates the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	common.WipeByteArray(s.key)
	s.key = nil
	s.closed = true
}

type requestContextKey struct{}

// WithRequestContext attaches request metadata (IP, user agent, request id)
// to ctx so audit records written further down carry it.
func WithRequestContext(ctx context.Context, rc models.RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

func requestContextFrom(ctx context.Context) models.RequestContext {
	if rc, ok := ctx.Value(requestContextKey{}).(models.RequestContext); ok {
		return rc
	}
	return models.RequestContext{}
}
