package services

import (
	"bytes"
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
	"github.com/finvault/finvault/internal/dbx"
	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/auth"
	"github.com/finvault/finvault/internal/server/config"
	"github.com/finvault/finvault/internal/server/models"
	"github.com/finvault/finvault/internal/server/repositories/repomanager"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// SaltBundle is the public answer of the salt endpoint. For users without
// stored salts (unknown, or legacy and not yet migrated) the salts are
// deterministic decoys so the response shape never reveals account state.
type SaltBundle struct {
	AuthSalt   []byte
	KEKSalt    []byte
	Migrated   bool
	KeyVersion int64
}

// LoginResult is a successful login. KEK is non-nil only when the server
// itself derived it from a plaintext password during this request (legacy
// login that migrated, or a password login against an already-migrated
// account); migrated-path logins never receive it because the client
// derived it locally.
type LoginResult struct {
	TokenPair
	Migrated   bool
	KeyVersion int64
	KEK        []byte
}

// RegisterMigratedParams is the client-derived key material for a
// registration on the per-user scheme. The server never sees the password.
type RegisterMigratedParams struct {
	UserName       string
	Email          string
	AuthSalt       []byte
	KEKSalt        []byte
	AuthSecret     []byte
	WrappedUserKey []byte
	UserKeyNonce   []byte
}

// RegisterResult is a created user plus its first session tokens.
type RegisterResult struct {
	User *models.User
	TokenPair
}

// ChangeKeyParams carries a migrated user's password change: the old secret
// proves identity, the old KEK unwraps the user key, and the new material
// (derived client-side under fresh salts) replaces it.
type ChangeKeyParams struct {
	OldAuthSecret []byte
	NewAuthSecret []byte
	NewAuthSalt   []byte
	NewKEKSalt    []byte
	OldKEK        []byte
	NewKEK        []byte
}

// AuthService handles salt issuance, registration, login for both account
// generations, token refresh/logout, and password changes.
type AuthService struct {
	db                           *sql.DB
	repomanager                  repomanager.RepositoryManager
	logger                       logging.Logger
	hasher                       *HashRunner
	migrator                     *Migrator
	locks                        keyedMutex
	jwtSecret                    []byte
	saltIndexSecret              []byte
	accessTokenValidityDuration  time.Duration
	refreshTokenValidityDuration time.Duration
}

// NewAuthService constructs an AuthService using repositories and server config.
func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, l logging.Logger, h *HashRunner, mig *Migrator) *AuthService {
	return &AuthService{
		db:                           db,
		repomanager:                  m,
		logger:                       l.With("module", "auth"),
		hasher:                       h,
		migrator:                     mig,
		jwtSecret:                    []byte(cfg.SecretKey),
		saltIndexSecret:              []byte(cfg.SaltIndexSecret),
		accessTokenValidityDuration:  cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration: cfg.RefreshTokenValidityDuration,
	}
}

// IssueSalts returns the salts a client needs to derive its secrets. Unknown
// and unmigrated users receive stable decoy salts with migrated=false; login
// can never succeed with them, but the response is indistinguishable from a
// real one.
func (s *AuthService) IssueSalts(ctx context.Context, userName string) (*SaltBundle, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByUserName(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return s.decoySalts(userName), nil
		}
		return nil, common.ErrInternal
	}
	if !user.Migrated {
		return s.decoySalts(userName), nil
	}
	return &SaltBundle{
		AuthSalt:   user.AuthSalt,
		KEKSalt:    user.KEKSalt,
		Migrated:   true,
		KeyVersion: user.KeyVersion,
	}, nil
}

// NewSalts returns a fresh random salt pair for a password change. Nothing
// is persisted until the change itself commits.
func (s *AuthService) NewSalts(ctx context.Context) (*SaltBundle, error) {
	return &SaltBundle{
		AuthSalt: cryptox.GenerateSalt(),
		KEKSalt:  cryptox.GenerateSalt(),
		Migrated: true,
	}, nil
}

// RegisterMigrated creates a user on the per-user scheme from client-derived
// material and issues first tokens.
func (s *AuthService) RegisterMigrated(ctx context.Context, p RegisterMigratedParams) (*RegisterResult, error) {
	if p.UserName == "" ||
		len(p.AuthSalt) != cryptox.SaltSize || len(p.KEKSalt) != cryptox.SaltSize ||
		bytes.Equal(p.AuthSalt, p.KEKSalt) ||
		len(p.AuthSecret) != cryptox.KeySize ||
		len(p.WrappedUserKey) == 0 || len(p.UserKeyNonce) == 0 {
		return nil, common.ErrInvalidInput
	}

	user := &models.User{
		UserName:         p.UserName,
		Email:            p.Email,
		AuthSalt:         p.AuthSalt,
		KEKSalt:          p.KEKSalt,
		AuthHash:         cryptox.MakeVerifier(p.AuthSecret),
		EncryptedUserKey: p.WrappedUserKey,
		UserKeyNonce:     p.UserKeyNonce,
		KeyVersion:       1,
		Migrated:         true,
	}

	created, err := s.repomanager.Users(s.db).Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	pair, err := s.generateTokenPair(ctx, created.ID, s.db)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{User: created, TokenPair: *pair}, nil
}

// RegisterLegacy creates a password-only user. Kept for clients predating
// the key scheme; the account migrates on its next successful login.
func (s *AuthService) RegisterLegacy(ctx context.Context, userName, email string, password []byte) (*RegisterResult, error) {
	if userName == "" || len(password) == 0 {
		return nil, common.ErrInvalidInput
	}
	hash, err := s.hasher.HashPassword(ctx, password)
	if err != nil {
		return nil, err
	}
	user := &models.User{UserName: userName, Email: email, PasswordHash: hash}
	created, err := s.repomanager.Users(s.db).Create(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}
	pair, err := s.generateTokenPair(ctx, created.ID, s.db)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{User: created, TokenPair: *pair}, nil
}

// Login authenticates a migrated user by their derived authentication
// secret. The response never distinguishes "wrong secret" from "no such
// user" or "not migrated".
func (s *AuthService) Login(ctx context.Context, userName string, authSecret []byte) (*LoginResult, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByUserName(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrAuthenticationFailed
		}
		return nil, common.ErrInternal
	}
	if !user.Migrated {
		return nil, common.ErrAuthenticationFailed
	}
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(authSecret), user.AuthHash) != 1 {
		return nil, common.ErrAuthenticationFailed
	}
	pair, err := s.generateTokenPair(ctx, user.ID, s.db)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, Migrated: true, KeyVersion: user.KeyVersion}, nil
}

// LoginLegacy authenticates by plaintext password. For a legacy user a
// successful password check triggers the migration synchronously; tokens are
// issued only after it commits, so the user is never left with a valid
// session and an inconsistent encryption state. If the account has already
// migrated (e.g. by a concurrent login), the password is verified against
// the migrated material and the KEK is derived server-side so the login
// still succeeds.
func (s *AuthService) LoginLegacy(ctx context.Context, userName string, password []byte) (*LoginResult, error) {
	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByUserName(ctx, userName)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrAuthenticationFailed
		}
		return nil, common.ErrInternal
	}

	if user.Migrated {
		return s.passwordLoginMigrated(ctx, user, password)
	}

	if err := s.hasher.ComparePassword(ctx, user.PasswordHash, password); err != nil {
		return nil, common.ErrAuthenticationFailed
	}

	result, err := s.migrator.Migrate(ctx, user.ID, password)
	if err != nil {
		return nil, err
	}

	pair, err := s.generateTokenPair(ctx, user.ID, s.db)
	if err != nil {
		common.WipeByteArray(result.KEK)
		return nil, err
	}
	return &LoginResult{
		TokenPair:  *pair,
		Migrated:   true,
		KeyVersion: result.KeyVersion,
		KEK:        result.KEK,
	}, nil
}

func (s *AuthService) passwordLoginMigrated(ctx context.Context, user *models.User, password []byte) (*LoginResult, error) {
	authSecret, err := s.hasher.DeriveKey(ctx, password, user.AuthSalt)
	if err != nil {
		return nil, common.ErrAuthenticationFailed
	}
	defer common.WipeByteArray(authSecret)
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(authSecret), user.AuthHash) != 1 {
		return nil, common.ErrAuthenticationFailed
	}
	kekKey, err := s.hasher.DeriveKey(ctx, password, user.KEKSalt)
	if err != nil {
		return nil, common.ErrInternal
	}
	pair, err := s.generateTokenPair(ctx, user.ID, s.db)
	if err != nil {
		common.WipeByteArray(kekKey)
		return nil, err
	}
	return &LoginResult{
		TokenPair:  *pair,
		Migrated:   true,
		KeyVersion: user.KeyVersion,
		KEK:        kekKey,
	}, nil
}

// RefreshToken validates a refresh token, rotates it transactionally, and
// returns a fresh TokenPair. Expired tokens yield ErrRefreshTokenExpired.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	repo := s.repomanager.RefreshTokens(s.db)

	token, err := repo.Find(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrInvalidToken
		}
		return nil, fmt.Errorf("error searching refresh token: %w", err)
	}
	if token.Expires.Before(time.Now()) {
		return nil, common.ErrRefreshTokenExpired
	}

	var pair *TokenPair
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repoTx := s.repomanager.RefreshTokens(tx)
		if err := repoTx.Delete(ctx, refreshToken); err != nil {
			return fmt.Errorf("error deleting refresh token: %w", err)
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, token.UserID, tx)
		return genErr
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout revokes a refresh token. Revoking an already-absent token is not an
// error, so logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.repomanager.RefreshTokens(s.db).Delete(ctx, refreshToken)
}

// Me returns the authenticated user's profile.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, common.ErrInternal
	}
	return user, nil
}

// ChangePasswordMigrated rotates a migrated user's key material: fresh
// salts, new auth hash, a new data-encryption key, and every credential blob
// re-encrypted — one transaction, serialized per user. The stored refresh
// tokens are revoked so stale sessions cannot outlive the old password.
func (s *AuthService) ChangePasswordMigrated(ctx context.Context, userID string, p ChangeKeyParams) error {
	if len(p.NewAuthSalt) != cryptox.SaltSize || len(p.NewKEKSalt) != cryptox.SaltSize ||
		bytes.Equal(p.NewAuthSalt, p.NewKEKSalt) ||
		len(p.NewAuthSecret) != cryptox.KeySize {
		return common.ErrInvalidInput
	}

	unlock := s.locks.lock(userID)
	defer unlock()

	repo := s.repomanager.Users(s.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		return common.ErrInternal
	}
	if !user.Migrated {
		return common.ErrInvalidInput
	}
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(p.OldAuthSecret), user.AuthHash) != 1 {
		return common.ErrAuthenticationFailed
	}

	oldDEK, err := cryptox.UnwrapKey(&cryptox.Blob{
		Ciphertext: user.EncryptedUserKey,
		Nonce:      user.UserKeyNonce,
	}, p.OldKEK)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(oldDEK)

	newDEK := cryptox.GenerateDataKey()
	defer common.WipeByteArray(newDEK)

	wrapped, err := cryptox.WrapKey(newDEK, p.NewKEK)
	if err != nil {
		return err
	}

	newVersion := user.KeyVersion + 1

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		accountRepo := s.repomanager.Accounts(tx)
		accounts, err := accountRepo.ListByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		for _, account := range accounts {
			if len(account.EncryptedCredentials) == 0 {
				continue
			}
			plaintext, err := cryptox.Decrypt(&cryptox.Blob{
				Ciphertext: account.EncryptedCredentials,
				Nonce:      account.CredentialsNonce,
			}, oldDEK)
			if err != nil {
				return err
			}
			blob, err := cryptox.Encrypt(plaintext, newDEK)
			common.WipeByteArray(plaintext)
			if err != nil {
				return err
			}
			if err := accountRepo.UpdateCredentials(ctx, account.ID, blob.Ciphertext, blob.Nonce, newVersion); err != nil {
				return err
			}
		}

		changed := *user
		changed.AuthSalt = p.NewAuthSalt
		changed.KEKSalt = p.NewKEKSalt
		changed.AuthHash = cryptox.MakeVerifier(p.NewAuthSecret)
		changed.EncryptedUserKey = wrapped.Ciphertext
		changed.UserKeyNonce = wrapped.Nonce
		changed.KeyVersion = newVersion
		if err := s.repomanager.Users(tx).SaveKeyMaterial(ctx, &changed); err != nil {
			return err
		}
		return s.repomanager.RefreshTokens(tx).DeleteForUser(ctx, user.ID)
	})
	if err != nil {
		if errors.Is(err, common.ErrDecryptionFailed) {
			return err
		}
		s.logger.Error(ctx, "password change rolled back", "user_id", user.ID, "error", err.Error())
		return common.ErrInternal
	}

	s.logger.Info(ctx, "key material rotated", "user_id", user.ID, "key_version", newVersion)
	return nil
}

// ChangePasswordLegacy verifies the old plaintext password and migrates the
// account under the new one, returning the fresh KEK. After this the account
// is on the per-user scheme; there is no path back to legacy.
func (s *AuthService) ChangePasswordLegacy(ctx context.Context, userID string, oldPassword, newPassword []byte) (*MigrationResult, error) {
	if len(newPassword) == 0 {
		return nil, common.ErrInvalidInput
	}
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, common.ErrInternal
	}
	if user.Migrated {
		return nil, common.ErrInvalidInput
	}
	if err := s.hasher.ComparePassword(ctx, user.PasswordHash, oldPassword); err != nil {
		return nil, common.ErrAuthenticationFailed
	}
	return s.migrator.Migrate(ctx, user.ID, newPassword)
}

// --- helpers below ---

func (s *AuthService) decoySalts(userName string) *SaltBundle {
	return &SaltBundle{
		AuthSalt: cryptox.DecoySalt(s.saltIndexSecret, userName, "auth"),
		KEKSalt:  cryptox.DecoySalt(s.saltIndexSecret, userName, "kek"),
		Migrated: false,
	}
}

func (s *AuthService) generateAccessToken(userID string) (string, error) {
	return auth.GenerateToken(userID, s.jwtSecret, s.accessTokenValidityDuration)
}

func (s *AuthService) generateRefreshToken() (string, error) {
	return common.MakeRandHexString(32)
}

func (s *AuthService) generateTokenPair(ctx context.Context, userID string, tx dbx.DBTX) (*TokenPair, error) {
	access, err := s.generateAccessToken(userID)
	if err != nil {
		return nil, common.ErrInternal
	}
	refresh, err := s.generateRefreshToken()
	if err != nil {
		return nil, common.ErrInternal
	}
	refreshRepo := s.repomanager.RefreshTokens(tx)
	if err := refreshRepo.Create(ctx, userID, refresh, s.refreshTokenValidityDuration); err != nil {
		return nil, common.ErrInternal
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
