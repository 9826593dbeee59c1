package models

import "time"

// Account is a linked financial-institution account. The credential payload
// is an opaque JSON document sealed into an authenticated ciphertext; the
// server never interprets its structure. KeyVersion records the salt
// generation the blob was (re)encrypted under.
type Account struct {
	ID         string
	UserID     string
	BrokerCode string
	Name       string

	EncryptedCredentials []byte
	CredentialsNonce     []byte
	KeyVersion           int64

	CreatedAt time.Time
	UpdatedAt time.Time
}
