// Package common defines shared constants and sentinel errors used across
// client and server layers of FinVault. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrInternal     = errors.New("internal error")
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("rate limited")

	// Authentication errors. ErrAuthenticationFailed deliberately carries no
	// detail about whether the user exists or is migrated.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Envelope / key handling errors. ErrDecryptionFailed means the caller
	// presented a wrong or stale key and should re-authenticate, not that
	// data is corrupted. ErrKEKRequired means the session is valid but the
	// operation needs the key-encryption key attached to the request.
	ErrKEKRequired      = errors.New("key encryption key required")
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMigrationFailed is transient: the account is untouched and the same
	// request can be retried.
	ErrMigrationFailed = errors.New("migration failed")

	// Token lifecycle errors.
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
