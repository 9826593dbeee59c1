// Package cryptox implements the key material primitives of FinVault:
// Argon2id key derivation, AEAD credential envelopes, and DEK wrapping.
package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/finvault/finvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// Sizes of key material, in bytes.
const (
	SaltSize = 16
	KeySize  = 32
)

// Argon2id cost parameters. These are part of the protocol: the client
// derives with the same parameters, so changing them invalidates every
// derived secret in existence.
const (
	argonTime      = 1
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
)

// DeriveKey derives a 256-bit key from a password and salt using Argon2id
// with the fixed cost parameters above. The same (password, salt) pair always
// yields the same key.
//
// An empty password or a salt of the wrong length yields ErrInvalidInput;
// the function never partially succeeds.
func DeriveKey(password, salt []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, common.ErrInvalidInput
	}
	if len(salt) != SaltSize {
		return nil, common.ErrInvalidInput
	}
	return argon2.IDKey(password, salt, argonTime, argonMemoryKiB, argonThreads, KeySize), nil
}

// MakeVerifier hashes a client-derived authentication secret for storage.
// The server keeps only this value; it cannot be reversed to the secret.
func MakeVerifier(authSecret []byte) []byte {
	hash := sha256.Sum256(authSecret)
	return hash[:]
}

// GenerateSalt returns a fresh random salt for key derivation.
func GenerateSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// GenerateDataKey returns a fresh random 256-bit data-encryption key.
func GenerateDataKey() []byte {
	return common.GenerateRandByteArray(KeySize)
}

// DecoySalt deterministically derives a plausible salt for a username that
// has no stored salts, keyed by a server-side secret. Repeated queries for
// the same unknown username return the same bytes, so the salt endpoint's
// response shape does not reveal whether an account exists.
func DecoySalt(secret []byte, username, purpose string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(username))
	return mac.Sum(nil)[:SaltSize]
}
