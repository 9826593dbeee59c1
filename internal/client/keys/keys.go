// Package keys performs the client-side half of the key scheme: the password
// never leaves this process, only material derived from it does.
package keys

import (
	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
)

// Secrets is the client-derived material for one password under one salt
// generation. AuthSecret is sent to the server at login; KEK never is, except
// as the per-request X-KEK header that unwraps the user key.
type Secrets struct {
	AuthSecret []byte
	KEK        []byte
}

// Derive computes both secrets from the password. The two salts must be
// distinct; deriving both secrets from one salt would make the
// authentication secret usable as the encryption key.
func Derive(password, authSalt, kekSalt []byte) (*Secrets, error) {
	authSecret, err := cryptox.DeriveKey(password, authSalt)
	if err != nil {
		return nil, err
	}
	kek, err := cryptox.DeriveKey(password, kekSalt)
	if err != nil {
		common.WipeByteArray(authSecret)
		return nil, err
	}
	return &Secrets{AuthSecret: authSecret, KEK: kek}, nil
}

// Wipe zeroizes both secrets.
func (s *Secrets) Wipe() {
	if s == nil {
		return
	}
	common.WipeByteArray(s.AuthSecret)
	common.WipeByteArray(s.KEK)
}

// NewWrappedUserKey generates a fresh random data-encryption key and wraps it
// under the KEK for registration. The plaintext key is wiped before
// returning; only the server-storable ciphertext leaves this function.
func NewWrappedUserKey(kek []byte) (*cryptox.Blob, error) {
	dek := cryptox.GenerateDataKey()
	defer common.WipeByteArray(dek)
	return cryptox.WrapKey(dek, kek)
}
