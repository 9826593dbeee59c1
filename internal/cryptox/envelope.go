package cryptox

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/finvault/finvault/internal/common"
)

// Blob is an authenticated ciphertext plus the nonce it was sealed with.
// The GCM tag is appended to Ciphertext. Blobs are replaced wholesale on
// every re-encryption; there are no partial edits.
type Blob struct {
	Ciphertext []byte
	Nonce      []byte
}

// Encrypt seals plaintext under key with AES-256-GCM and a fresh random
// nonce. Encrypting the same plaintext twice produces different ciphertext.
// The plaintext is treated as opaque bytes; payload structure is the
// caller's concern.
func Encrypt(plaintext, key []byte) (*Blob, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return &Blob{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a blob sealed by Encrypt. A failed tag verification yields
// ErrDecryptionFailed: the expected signal that the caller presented a wrong
// or stale key and should re-authenticate, never surfaced with crypto detail.
func Decrypt(blob *Blob, key []byte) ([]byte, error) {
	if blob == nil || len(blob.Ciphertext) == 0 || len(blob.Nonce) == 0 {
		return nil, common.ErrInvalidInput
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryptionFailed
	}
	return plaintext, nil
}

// WrapKey encrypts a data-encryption key under the key-encryption key.
func WrapKey(dek, kek []byte) (*Blob, error) {
	if len(dek) != KeySize {
		return nil, common.ErrInvalidInput
	}
	return Encrypt(dek, kek)
}

// UnwrapKey decrypts a wrapped data-encryption key. A wrong or stale KEK
// yields ErrDecryptionFailed.
func UnwrapKey(blob *Blob, kek []byte) ([]byte, error) {
	dek, err := Decrypt(blob, kek)
	if err != nil {
		return nil, err
	}
	if len(dek) != KeySize {
		return nil, common.ErrDecryptionFailed
	}
	return dek, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, common.ErrInvalidInput
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, common.ErrInvalidInput
	}
	return cipher.NewGCM(block)
}
