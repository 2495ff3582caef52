package cryptox

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrent PBKDF2 derivations. Key stretching is
// CPU-bound and takes hundreds of milliseconds; without a bound a burst of
// unlock requests could starve everything else on the host.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a Pool allowing up to maxConcurrent derivations at once.
// A non-positive value falls back to 1.
func NewPool(maxConcurrent int64) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Derive runs DeriveKey once a worker slot is available. Waiting for a slot
// honors ctx; the derivation itself is not interruptible.
func (p *Pool) Derive(ctx context.Context, passphrase, salt []byte, iterations int) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)
	return DeriveKey(passphrase, salt, iterations), nil
}
