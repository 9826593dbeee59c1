package services

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
	"github.com/finvault/finvault/internal/server/config"
	"github.com/finvault/finvault/internal/server/models"
)

func newAuthService(t *testing.T, db *sql.DB, rm *memRepoManager) *AuthService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:                    "k",
		SaltIndexSecret:              "salt-index-secret",
		AccessTokenValidityDuration:  time.Hour,
		RefreshTokenValidityDuration: 2 * time.Hour,
	}
	hasher := NewHashRunner(2)
	masterKey := bytes.Repeat([]byte{9}, cryptox.KeySize)
	migrator := NewMigrator(db, rm, &captureLogger{}, hasher, masterKey)
	return NewAuthService(db, rm, cfg, &captureLogger{}, hasher, migrator)
}

// registerMigrated creates a migrated user the way a real client would:
// salts and secrets derived locally, user key wrapped under the KEK.
func registerMigrated(t *testing.T, s *AuthService, userName string, password []byte) (userID string, kek, dek []byte) {
	t.Helper()

	authSalt := cryptox.GenerateSalt()
	kekSalt := cryptox.GenerateSalt()

	authSecret, err := cryptox.DeriveKey(password, authSalt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	kek, err = cryptox.DeriveKey(password, kekSalt)
	if err != nil {
		t.Fatalf("DeriveKey error: %v", err)
	}
	dek = cryptox.GenerateDataKey()
	wrapped, err := cryptox.WrapKey(dek, kek)
	if err != nil {
		t.Fatalf("WrapKey error: %v", err)
	}

	result, err := s.RegisterMigrated(context.Background(), RegisterMigratedParams{
		UserName:       userName,
		Email:          userName + "@example.com",
		AuthSalt:       authSalt,
		KEKSalt:        kekSalt,
		AuthSecret:     authSecret,
		WrappedUserKey: wrapped.Ciphertext,
		UserKeyNonce:   wrapped.Nonce,
	})
	if err != nil {
		t.Fatalf("RegisterMigrated error: %v", err)
	}
	return result.User.ID, kek, dek
}

func TestIssueSalts_UnknownUserGetsStableDecoys(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	s := newAuthService(t, db, newMemRepoManager())

	a, err := s.IssueSalts(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("IssueSalts error: %v", err)
	}
	if a.Migrated {
		t.Fatal("unknown user must be reported unmigrated")
	}
	if len(a.AuthSalt) != cryptox.SaltSize || len(a.KEKSalt) != cryptox.SaltSize {
		t.Fatal("decoy salts must have the real salt size")
	}

	b, _ := s.IssueSalts(context.Background(), "ghost")
	if !bytes.Equal(a.AuthSalt, b.AuthSalt) || !bytes.Equal(a.KEKSalt, b.KEKSalt) {
		t.Fatal("decoy salts must be stable across queries")
	}

	c, _ := s.IssueSalts(context.Background(), "other")
	if bytes.Equal(a.AuthSalt, c.AuthSalt) {
		t.Fatal("different usernames must get different decoys")
	}
}

func TestIssueSalts_LegacyUserLooksUnknown(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	rm.users.put(&models.User{ID: "u-1", UserName: "bob", PasswordHash: []byte("hash")})
	s := newAuthService(t, db, rm)

	bundle, err := s.IssueSalts(context.Background(), "bob")
	if err != nil {
		t.Fatalf("IssueSalts error: %v", err)
	}
	if bundle.Migrated {
		t.Fatal("legacy user must be reported unmigrated")
	}

	ghost, _ := s.IssueSalts(context.Background(), "bob2")
	if len(bundle.AuthSalt) != len(ghost.AuthSalt) {
		t.Fatal("legacy and unknown responses must have the same shape")
	}
}

func TestIssueSalts_MigratedUserGetsRealSalts(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	userID, _, _ := registerMigrated(t, s, "alice", []byte("pw pw pw"))
	user, _ := rm.users.GetByID(context.Background(), userID)

	bundle, err := s.IssueSalts(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IssueSalts error: %v", err)
	}
	if !bundle.Migrated || bundle.KeyVersion != 1 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if !bytes.Equal(bundle.AuthSalt, user.AuthSalt) || !bytes.Equal(bundle.KEKSalt, user.KEKSalt) {
		t.Fatal("migrated user must receive the stored salts")
	}
}

func TestRegisterMigrated_RejectsBadMaterial(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	s := newAuthService(t, db, newMemRepoManager())

	salt := cryptox.GenerateSalt()
	secret := bytes.Repeat([]byte{1}, cryptox.KeySize)

	cases := []RegisterMigratedParams{
		{UserName: "", AuthSalt: salt, KEKSalt: cryptox.GenerateSalt(), AuthSecret: secret, WrappedUserKey: []byte("w"), UserKeyNonce: []byte("n")},
		{UserName: "a", AuthSalt: salt, KEKSalt: salt, AuthSecret: secret, WrappedUserKey: []byte("w"), UserKeyNonce: []byte("n")},
		{UserName: "a", AuthSalt: salt, KEKSalt: cryptox.GenerateSalt(), AuthSecret: []byte("short"), WrappedUserKey: []byte("w"), UserKeyNonce: []byte("n")},
		{UserName: "a", AuthSalt: salt, KEKSalt: cryptox.GenerateSalt(), AuthSecret: secret, WrappedUserKey: nil, UserKeyNonce: []byte("n")},
	}
	for i, p := range cases {
		if _, err := s.RegisterMigrated(context.Background(), p); !errors.Is(err, common.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestRegisterMigrated_StoresVerifierNotSecret(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	password := []byte("pw pw pw")
	userID, _, _ := registerMigrated(t, s, "alice", password)

	user, _ := rm.users.GetByID(context.Background(), userID)
	authSecret, _ := cryptox.DeriveKey(password, user.AuthSalt)

	if bytes.Equal(user.AuthHash, authSecret) {
		t.Fatal("server must store a one-way verifier, not the secret")
	}
	if !bytes.Equal(user.AuthHash, cryptox.MakeVerifier(authSecret)) {
		t.Fatal("stored verifier does not match the derived secret")
	}
	if user.KeyVersion != 1 || !user.Migrated {
		t.Fatalf("unexpected user state: %+v", user)
	}
}

func TestLogin_MigratedUser(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	password := []byte("pw pw pw")
	userID, _, _ := registerMigrated(t, s, "alice", password)

	user, _ := rm.users.GetByID(context.Background(), userID)
	authSecret, _ := cryptox.DeriveKey(password, user.AuthSalt)

	result, err := s.Login(context.Background(), "alice", authSecret)
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if !result.Migrated || result.KeyVersion != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.KEK != nil {
		t.Fatal("secret-based login must not return a KEK")
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected a token pair")
	}
}

func TestLogin_WrongSecretAndUnknownUserIndistinguishable(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	registerMigrated(t, s, "alice", []byte("pw pw pw"))

	_, errWrong := s.Login(context.Background(), "alice", bytes.Repeat([]byte{7}, cryptox.KeySize))
	_, errGhost := s.Login(context.Background(), "ghost", bytes.Repeat([]byte{7}, cryptox.KeySize))

	if !errors.Is(errWrong, common.ErrAuthenticationFailed) || !errors.Is(errGhost, common.ErrAuthenticationFailed) {
		t.Fatalf("both must fail with ErrAuthenticationFailed: %v / %v", errWrong, errGhost)
	}
}

func TestLoginLegacy_MigratesAndReturnsKEK(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	password := []byte("bobs password")
	hash, err := s.hasher.HashPassword(context.Background(), password)
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}
	rm.users.put(&models.User{ID: "u-1", UserName: "bob", PasswordHash: hash})

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := s.LoginLegacy(context.Background(), "bob", password)
	if err != nil {
		t.Fatalf("LoginLegacy error: %v", err)
	}
	if !result.Migrated || result.KeyVersion != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.KEK) != cryptox.KeySize {
		t.Fatal("legacy login that migrates must return the fresh KEK")
	}

	user, _ := rm.users.GetByID(context.Background(), "u-1")
	if !user.Migrated {
		t.Fatal("user must be migrated after a successful legacy login")
	}
}

func TestLoginLegacy_WrongPassword(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	hash, _ := s.hasher.HashPassword(context.Background(), []byte("right"))
	rm.users.put(&models.User{ID: "u-1", UserName: "bob", PasswordHash: hash})

	_, err := s.LoginLegacy(context.Background(), "bob", []byte("wrong"))
	if !errors.Is(err, common.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}

	user, _ := rm.users.GetByID(context.Background(), "u-1")
	if user.Migrated {
		t.Fatal("failed login must not migrate the account")
	}
}

func TestLoginLegacy_PasswordAgainstMigratedAccount(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	password := []byte("pw pw pw")
	_, kek, _ := registerMigrated(t, s, "alice", password)

	// An old client sends the plaintext password even though the account has
	// migrated: the server derives both secrets itself and hands back the KEK.
	result, err := s.LoginLegacy(context.Background(), "alice", password)
	if err != nil {
		t.Fatalf("LoginLegacy error: %v", err)
	}
	if !bytes.Equal(result.KEK, kek) {
		t.Fatal("server-derived KEK must match the client-side derivation")
	}
}

func TestRefreshToken_RotatesPair(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	userID, _, _ := registerMigrated(t, s, "alice", []byte("pw pw pw"))
	_ = userID

	var firstRefresh string
	for token := range rm.refresh.tokens {
		firstRefresh = token
	}

	mock.ExpectBegin()
	mock.ExpectCommit()

	pair, err := s.RefreshToken(context.Background(), firstRefresh)
	if err != nil {
		t.Fatalf("RefreshToken error: %v", err)
	}
	if pair.RefreshToken == firstRefresh {
		t.Fatal("refresh token must rotate")
	}

	if _, err := rm.refresh.Find(context.Background(), firstRefresh); !errors.Is(err, common.ErrNotFound) {
		t.Fatal("old refresh token must be revoked")
	}
}

func TestRefreshToken_Expired(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	rm.refresh.tokens["stale"] = &models.RefreshToken{
		Token: "stale", UserID: "u-1", Expires: time.Now().Add(-time.Minute),
	}

	_, err := s.RefreshToken(context.Background(), "stale")
	if !errors.Is(err, common.ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	s := newAuthService(t, db, newMemRepoManager())

	if err := s.Logout(context.Background(), "never-issued"); err != nil {
		t.Fatalf("logout of an absent token must succeed, got %v", err)
	}
}

func TestChangePasswordMigrated_RotatesEverything(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	oldPassword := []byte("old password")
	userID, oldKEK, dek := registerMigrated(t, s, "alice", oldPassword)

	plaintext := []byte(`{"login":"alice","pin":"12345"}`)
	blob, _ := cryptox.Encrypt(plaintext, dek)
	rm.accounts.put(&models.Account{
		ID: "a-1", UserID: userID, BrokerCode: "dkb", Name: "Checking",
		EncryptedCredentials: blob.Ciphertext, CredentialsNonce: blob.Nonce, KeyVersion: 1,
	})

	user, _ := rm.users.GetByID(context.Background(), userID)
	oldAuthSecret, _ := cryptox.DeriveKey(oldPassword, user.AuthSalt)

	newPassword := []byte("new password")
	newAuthSalt := cryptox.GenerateSalt()
	newKEKSalt := cryptox.GenerateSalt()
	newAuthSecret, _ := cryptox.DeriveKey(newPassword, newAuthSalt)
	newKEK, _ := cryptox.DeriveKey(newPassword, newKEKSalt)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := s.ChangePasswordMigrated(context.Background(), userID, ChangeKeyParams{
		OldAuthSecret: oldAuthSecret,
		NewAuthSecret: newAuthSecret,
		NewAuthSalt:   newAuthSalt,
		NewKEKSalt:    newKEKSalt,
		OldKEK:        oldKEK,
		NewKEK:        newKEK,
	})
	if err != nil {
		t.Fatalf("ChangePasswordMigrated error: %v", err)
	}

	changed, _ := rm.users.GetByID(context.Background(), userID)
	if changed.KeyVersion != 2 {
		t.Fatalf("expected key version 2, got %d", changed.KeyVersion)
	}

	newDEK, err := cryptox.UnwrapKey(&cryptox.Blob{Ciphertext: changed.EncryptedUserKey, Nonce: changed.UserKeyNonce}, newKEK)
	if err != nil {
		t.Fatalf("new KEK must unwrap the user key: %v", err)
	}

	account := rm.accounts.get("a-1")
	if account.KeyVersion != 2 {
		t.Fatal("blob must be re-encrypted under the new generation")
	}
	got, err := cryptox.Decrypt(&cryptox.Blob{Ciphertext: account.EncryptedCredentials, Nonce: account.CredentialsNonce}, newDEK)
	if err != nil || !bytes.Equal(got, plaintext) {
		t.Fatalf("blob must open under the new user key: %v", err)
	}

	if rm.refresh.count() != 0 {
		t.Fatal("password change must revoke all refresh tokens")
	}
}

func TestChangePasswordMigrated_WrongOldKEK(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	oldPassword := []byte("old password")
	userID, _, _ := registerMigrated(t, s, "alice", oldPassword)

	user, _ := rm.users.GetByID(context.Background(), userID)
	oldAuthSecret, _ := cryptox.DeriveKey(oldPassword, user.AuthSalt)

	err := s.ChangePasswordMigrated(context.Background(), userID, ChangeKeyParams{
		OldAuthSecret: oldAuthSecret,
		NewAuthSecret: bytes.Repeat([]byte{1}, cryptox.KeySize),
		NewAuthSalt:   cryptox.GenerateSalt(),
		NewKEKSalt:    cryptox.GenerateSalt(),
		OldKEK:        bytes.Repeat([]byte{2}, cryptox.KeySize),
		NewKEK:        bytes.Repeat([]byte{3}, cryptox.KeySize),
	})
	if !errors.Is(err, common.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	unchanged, _ := rm.users.GetByID(context.Background(), userID)
	if unchanged.KeyVersion != 1 {
		t.Fatal("failed change must not bump the key version")
	}
}

func TestChangePasswordLegacy_MigratesUnderNewPassword(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	rm := newMemRepoManager()
	s := newAuthService(t, db, rm)

	hash, _ := s.hasher.HashPassword(context.Background(), []byte("old"))
	rm.users.put(&models.User{ID: "u-1", UserName: "bob", PasswordHash: hash})

	mock.ExpectBegin()
	mock.ExpectCommit()

	newPassword := []byte("brand new password")
	result, err := s.ChangePasswordLegacy(context.Background(), "u-1", []byte("old"), newPassword)
	if err != nil {
		t.Fatalf("ChangePasswordLegacy error: %v", err)
	}

	user, _ := rm.users.GetByID(context.Background(), "u-1")
	if !user.Migrated {
		t.Fatal("legacy password change must migrate the account")
	}

	expectedKEK, _ := cryptox.DeriveKey(newPassword, user.KEKSalt)
	if !bytes.Equal(result.KEK, expectedKEK) {
		t.Fatal("KEK must derive from the new password")
	}
}
