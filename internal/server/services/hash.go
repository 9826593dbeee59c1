package services

import (
	"context"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// HashRunner bounds the memory-hard password hashing work (Argon2id
// derivation and bcrypt verification) with a weighted semaphore so a burst
// of logins cannot stall unrelated requests. All methods honor context
// cancellation while waiting for a slot.
type HashRunner struct {
	sem *semaphore.Weighted
}

// NewHashRunner creates a runner allowing at most workers concurrent
// hashing operations.
func NewHashRunner(workers int64) *HashRunner {
	if workers < 1 {
		workers = 1
	}
	return &HashRunner{sem: semaphore.NewWeighted(workers)}
}

// DeriveKey runs cryptox.DeriveKey on a bounded slot.
func (h *HashRunner) DeriveKey(ctx context.Context, password, salt []byte) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)
	return cryptox.DeriveKey(password, salt)
}

// HashPassword produces a bcrypt hash for legacy accounts.
func (h *HashRunner) HashPassword(ctx context.Context, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, common.ErrInvalidInput
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)
	return bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
}

// ComparePassword verifies a password against a stored bcrypt hash.
// A mismatch yields common.ErrAuthenticationFailed with no further detail.
func (h *HashRunner) ComparePassword(ctx context.Context, hash, password []byte) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)
	if err := bcrypt.CompareHashAndPassword(hash, password); err != nil {
		return common.ErrAuthenticationFailed
	}
	return nil
}
