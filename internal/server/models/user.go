// Package models holds the server-side persistence models.
package models

import "time"

// User is an account holder. Exactly one of two authentication states holds:
//
//   - legacy: PasswordHash is set, the salt/verifier fields are empty and
//     Migrated is false; stored credentials use the server master key.
//   - migrated: AuthSalt/KEKSalt/AuthHash and the wrapped user key are set,
//     PasswordHash is cleared and Migrated is true.
//
// The transition between the two happens exactly once, atomically, during a
// successful legacy login (or legacy password change).
type User struct {
	ID       string
	UserName string
	Email    string

	// Legacy authentication (bcrypt). Nil once migrated.
	PasswordHash []byte

	// Per-user key scheme. AuthSalt and KEKSalt are independent; AuthHash is
	// the one-way hash of the client-derived authentication secret, never the
	// secret itself. EncryptedUserKey is the random data-encryption key
	// wrapped under the password-derived KEK.
	AuthSalt         []byte
	KEKSalt          []byte
	AuthHash         []byte
	EncryptedUserKey []byte
	UserKeyNonce     []byte

	// KeyVersion counts salt generations; it increments on migration and on
	// every password change, invalidating KEKs derived under older salts.
	KeyVersion int64

	Migrated  bool
	CreatedAt time.Time
}
