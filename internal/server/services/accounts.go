package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/cryptox"
	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/brokersync"
	"github.com/finvault/finvault/internal/server/kek"
	"github.com/finvault/finvault/internal/server/models"
	"github.com/finvault/finvault/internal/server/repositories/repomanager"
)

// AccountService manages linked accounts and their encrypted credential
// blobs. Every operation that touches plaintext credentials resolves the
// user's data-encryption key per request: from the KEK in the request
// context for migrated users, from the server master key for legacy ones.
// Plaintext and unwrapped keys are wiped before the operation returns.
type AccountService struct {
	db              *sql.DB
	repomanager     repomanager.RepositoryManager
	logger          logging.Logger
	legacyMasterKey []byte
	syncer          brokersync.Syncer
}

func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, l logging.Logger, legacyMasterKey []byte, syncer brokersync.Syncer) *AccountService {
	return &AccountService{
		db:              db,
		repomanager:     m,
		logger:          l.With("module", "accounts"),
		legacyMasterKey: legacyMasterKey,
		syncer:          syncer,
	}
}

// List returns the user's accounts. Credential ciphertext stays in the
// model; the API layer decides what to expose.
func (s *AccountService) List(ctx context.Context, userID string) ([]*models.Account, error) {
	return s.repomanager.Accounts(s.db).ListByUser(ctx, userID)
}

// Create links a new account. If credentials are provided they are sealed
// under the user's current data key, which for a migrated user requires the
// KEK on the request.
func (s *AccountService) Create(ctx context.Context, userID, brokerCode, name string, credentials []byte) (*models.Account, error) {
	if brokerCode == "" || name == "" {
		return nil, common.ErrInvalidInput
	}
	broker, err := s.repomanager.Brokers(s.db).GetByCode(ctx, brokerCode)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrInvalidInput
		}
		return nil, common.ErrInternal
	}
	if !broker.IsActive {
		return nil, common.ErrInvalidInput
	}

	account := &models.Account{UserID: userID, BrokerCode: brokerCode, Name: name}

	if len(credentials) > 0 {
		if !json.Valid(credentials) {
			return nil, common.ErrInvalidInput
		}
		user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
		if err != nil {
			return nil, common.ErrInternal
		}
		key, version, err := s.dataKey(ctx, user)
		if err != nil {
			return nil, err
		}
		defer common.WipeByteArray(key)

		blob, err := cryptox.Encrypt(credentials, key)
		if err != nil {
			return nil, err
		}
		account.EncryptedCredentials = blob.Ciphertext
		account.CredentialsNonce = blob.Nonce
		account.KeyVersion = version
	}

	return s.repomanager.Accounts(s.db).Create(ctx, account)
}

// GetCredentials decrypts and returns an account's credential payload.
func (s *AccountService) GetCredentials(ctx context.Context, userID, accountID string) ([]byte, error) {
	user, account, err := s.userAndAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if len(account.EncryptedCredentials) == 0 {
		return []byte("{}"), nil
	}

	key, _, err := s.dataKey(ctx, user)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	return cryptox.Decrypt(&cryptox.Blob{
		Ciphertext: account.EncryptedCredentials,
		Nonce:      account.CredentialsNonce,
	}, key)
}

// UpdateCredentials replaces an account's credential blob wholesale.
func (s *AccountService) UpdateCredentials(ctx context.Context, userID, accountID string, credentials []byte) error {
	if !json.Valid(credentials) {
		return common.ErrInvalidInput
	}
	user, account, err := s.userAndAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}

	key, version, err := s.dataKey(ctx, user)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	blob, err := cryptox.Encrypt(credentials, key)
	if err != nil {
		return err
	}
	return s.repomanager.Accounts(s.db).UpdateCredentials(ctx, account.ID, blob.Ciphertext, blob.Nonce, version)
}

// Delete removes an account and with it the only copy of its credential
// ciphertext.
func (s *AccountService) Delete(ctx context.Context, userID, accountID string) error {
	return s.repomanager.Accounts(s.db).Delete(ctx, userID, accountID)
}

// Sync decrypts the account's credentials and hands them to the broker
// adapter for this institution. The plaintext lives only on this call's
// stack and is wiped before returning.
func (s *AccountService) Sync(ctx context.Context, userID, accountID string) (*brokersync.Result, error) {
	user, account, err := s.userAndAccount(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	if len(account.EncryptedCredentials) == 0 {
		return nil, common.ErrInvalidInput
	}

	broker, err := s.repomanager.Brokers(s.db).GetByCode(ctx, account.BrokerCode)
	if err != nil {
		return nil, common.ErrInternal
	}

	key, _, err := s.dataKey(ctx, user)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	credentials, err := cryptox.Decrypt(&cryptox.Blob{
		Ciphertext: account.EncryptedCredentials,
		Nonce:      account.CredentialsNonce,
	}, key)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(credentials)

	result, err := s.syncer.Fetch(ctx, broker, credentials)
	if err != nil {
		s.logger.Warn(ctx, "sync failed", "account_id", account.ID, "broker", broker.Code, "error", err.Error())
		return nil, common.ErrInternal
	}
	return result, nil
}

func (s *AccountService) userAndAccount(ctx context.Context, userID, accountID string) (*models.User, *models.Account, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, nil, common.ErrInternal
	}
	account, err := s.repomanager.Accounts(s.db).GetByID(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, nil, common.ErrNotFound
		}
		return nil, nil, common.ErrInternal
	}
	return user, account, nil
}

// dataKey resolves the key credential blobs are sealed under, returning a
// caller-owned copy safe to wipe. Migrated users must present the KEK with
// the request; a KEK from an older salt generation is rejected outright.
func (s *AccountService) dataKey(ctx context.Context, user *models.User) ([]byte, int64, error) {
	if !user.Migrated {
		return bytes.Clone(s.legacyMasterKey), 0, nil
	}

	m := kek.FromContext(ctx)
	if m == nil || len(m.Key) == 0 {
		return nil, 0, common.ErrKEKRequired
	}
	if m.KeyVersion != 0 && m.KeyVersion != user.KeyVersion {
		return nil, 0, common.ErrDecryptionFailed
	}

	dek, err := cryptox.UnwrapKey(&cryptox.Blob{
		Ciphertext: user.EncryptedUserKey,
		Nonce:      user.UserKeyNonce,
	}, m.Key)
	if err != nil {
		return nil, 0, err
	}
	return dek, user.KeyVersion, nil
}
