package cryptox

import (
	"bytes"
	"errors"
	"testing"

	"github.com/finvault/finvault/internal/common"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	password := []byte("correct horse battery staple")
	salt := bytes.Repeat([]byte{7}, SaltSize)

	a, err := DeriveKey(password, salt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	b, err := DeriveKey(password, salt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}

	if len(a) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatal("same password and salt must derive the same key")
	}
}

func TestDeriveKey_SaltIndependence(t *testing.T) {
	password := []byte("hunter2hunter2")
	authSalt := bytes.Repeat([]byte{1}, SaltSize)
	kekSalt := bytes.Repeat([]byte{2}, SaltSize)

	authSecret, err := DeriveKey(password, authSalt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	kek, err := DeriveKey(password, kekSalt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}

	if bytes.Equal(authSecret, kek) {
		t.Fatal("different salts must derive unrelated keys")
	}
}

func TestDeriveKey_InvalidInput(t *testing.T) {
	salt := bytes.Repeat([]byte{7}, SaltSize)

	if _, err := DeriveKey(nil, salt); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty password, got %v", err)
	}
	if _, err := DeriveKey([]byte("pw"), []byte("short")); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for wrong salt length, got %v", err)
	}
}

func TestMakeVerifier_OneWayAndStable(t *testing.T) {
	secret := bytes.Repeat([]byte{9}, KeySize)

	a := MakeVerifier(secret)
	b := MakeVerifier(secret)
	if !bytes.Equal(a, b) {
		t.Fatal("verifier must be deterministic")
	}
	if bytes.Equal(a, secret[:len(a)]) {
		t.Fatal("verifier must not equal the secret")
	}
}

func TestGenerateSalt_SizeAndEntropy(t *testing.T) {
	a := GenerateSalt()
	b := GenerateSalt()
	if len(a) != SaltSize || len(b) != SaltSize {
		t.Fatalf("expected %d-byte salts", SaltSize)
	}
	if bytes.Equal(a, b) {
		t.Log("warning: two generated salts are identical; extremely unlikely")
	}
}

func TestDecoySalt_StablePerUsername(t *testing.T) {
	secret := []byte("server-side-secret")

	a := DecoySalt(secret, "ghost", "auth")
	b := DecoySalt(secret, "ghost", "auth")
	if !bytes.Equal(a, b) {
		t.Fatal("decoy salt must be stable for the same username")
	}
	if len(a) != SaltSize {
		t.Fatalf("expected %d-byte decoy salt, got %d", SaltSize, len(a))
	}

	if bytes.Equal(a, DecoySalt(secret, "ghost", "kek")) {
		t.Fatal("auth and kek decoy salts must differ")
	}
	if bytes.Equal(a, DecoySalt(secret, "other", "auth")) {
		t.Fatal("different usernames must get different decoy salts")
	}
}
