// Package services contains server-side business logic: authentication,
// the one-time legacy migration, and encrypted account credential handling.
package services

import (
	"bytes"
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
	"github.com/finvault/finvault/internal/dbx"
	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/repositories/repomanager"
	"golang.org/x/sync/singleflight"
)

// MigrationResult carries the key material the client needs right after a
// migration: the freshly derived KEK (so credential-dependent features work
// without a second round trip) and the new salt generation.
type MigrationResult struct {
	KEK        []byte
	KeyVersion int64
}

// Migrator moves a legacy user to the per-user key scheme exactly once.
//
// It runs only inside a request that carries the plaintext password (legacy
// login or legacy password change) — the single moment the server may hold
// it. The password is used for derivation and then dropped; it is never
// persisted or logged.
//
// All writes — new salts, auth hash, wrapped user key, every re-encrypted
// credential blob, and the migrated flag — commit in one transaction.
// A failure anywhere rolls the whole set back: the user stays legacy, old
// blobs stay decryptable under the legacy master key, and the caller gets
// common.ErrMigrationFailed, safe to retry with the same password.
type Migrator struct {
	db              *sql.DB
	repomanager     repomanager.RepositoryManager
	logger          logging.Logger
	hasher          *HashRunner
	legacyMasterKey []byte
	group           singleflight.Group
}

// NewMigrator constructs a Migrator. legacyMasterKey is the server-held key
// protecting unmigrated credential blobs.
func NewMigrator(db *sql.DB, m repomanager.RepositoryManager, l logging.Logger, h *HashRunner, legacyMasterKey []byte) *Migrator {
	return &Migrator{
		db:              db,
		repomanager:     m,
		logger:          l.With("module", "migrator"),
		hasher:          h,
		legacyMasterKey: legacyMasterKey,
	}
}

// Migrate runs the migration for userID using the plaintext password from
// the current request. Concurrent calls for the same user are collapsed via
// singleflight: the second caller waits and observes the first result
// instead of racing a second migration. If the user turns out to be already
// migrated, the password is verified against the stored auth hash and the
// KEK is re-derived, so retries are idempotent.
func (m *Migrator) Migrate(ctx context.Context, userID string, password []byte) (*MigrationResult, error) {
	v, err, _ := m.group.Do(userID, func() (any, error) {
		return m.migrate(ctx, userID, password)
	})
	if err != nil {
		return nil, err
	}
	// Every caller that shared the flight gets its own copy of the KEK;
	// each response handler wipes its copy independently.
	res := v.(*MigrationResult)
	return &MigrationResult{KEK: bytes.Clone(res.KEK), KeyVersion: res.KeyVersion}, nil
}

func (m *Migrator) migrate(ctx context.Context, userID string, password []byte) (*MigrationResult, error) {
	repo := m.repomanager.Users(m.db)
	user, err := repo.GetByID(ctx, userID)
	if err != nil {
		return nil, common.ErrMigrationFailed
	}

	if user.Migrated {
		// A concurrent or earlier attempt finished first. Re-derive from the
		// password so the caller still gets a usable KEK.
		authSecret, err := m.hasher.DeriveKey(ctx, password, user.AuthSalt)
		if err != nil {
			return nil, common.ErrMigrationFailed
		}
		defer common.WipeByteArray(authSecret)
		if subtle.ConstantTimeCompare(cryptox.MakeVerifier(authSecret), user.AuthHash) != 1 {
			return nil, common.ErrAuthenticationFailed
		}
		kekKey, err := m.hasher.DeriveKey(ctx, password, user.KEKSalt)
		if err != nil {
			return nil, common.ErrMigrationFailed
		}
		return &MigrationResult{KEK: kekKey, KeyVersion: user.KeyVersion}, nil
	}

	authSalt := cryptox.GenerateSalt()
	kekSalt := cryptox.GenerateSalt()

	authSecret, err := m.hasher.DeriveKey(ctx, password, authSalt)
	if err != nil {
		return nil, common.ErrMigrationFailed
	}
	defer common.WipeByteArray(authSecret)

	kekKey, err := m.hasher.DeriveKey(ctx, password, kekSalt)
	if err != nil {
		return nil, common.ErrMigrationFailed
	}

	dek := cryptox.GenerateDataKey()
	defer common.WipeByteArray(dek)

	wrapped, err := cryptox.WrapKey(dek, kekKey)
	if err != nil {
		common.WipeByteArray(kekKey)
		return nil, common.ErrMigrationFailed
	}

	newVersion := user.KeyVersion + 1

	err = dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		accountRepo := m.repomanager.Accounts(tx)
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
			}, m.legacyMasterKey)
			if err != nil {
				return fmt.Errorf("account %s: %w", account.ID, err)
			}
			blob, err := cryptox.Encrypt(plaintext, dek)
			common.WipeByteArray(plaintext)
			if err != nil {
				return err
			}
			if err := accountRepo.UpdateCredentials(ctx, account.ID, blob.Ciphertext, blob.Nonce, newVersion); err != nil {
				return err
			}
		}

		migrated := *user
		migrated.PasswordHash = nil
		migrated.AuthSalt = authSalt
		migrated.KEKSalt = kekSalt
		migrated.AuthHash = cryptox.MakeVerifier(authSecret)
		migrated.EncryptedUserKey = wrapped.Ciphertext
		migrated.UserKeyNonce = wrapped.Nonce
		migrated.KeyVersion = newVersion
		migrated.Migrated = true
		return m.repomanager.Users(tx).SaveKeyMaterial(ctx, &migrated)
	})
	if err != nil {
		common.WipeByteArray(kekKey)
		// Log enough to diagnose, never the password or any derived key.
		m.logger.Error(ctx, "migration rolled back", "user_id", user.ID, "error", err.Error())
		return nil, common.ErrMigrationFailed
	}

	m.logger.Info(ctx, "user migrated to per-user encryption", "user_id", user.ID, "key_version", newVersion)
	return &MigrationResult{KEK: kekKey, KeyVersion: newVersion}, nil
}
