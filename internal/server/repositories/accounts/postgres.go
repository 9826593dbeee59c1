// Package accounts provides a PostgreSQL-backed repository for linked
// financial accounts and their encrypted credential blobs.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/dbx"
	"github.com/finvault/finvault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, user_id, broker_code, name, encrypted_credentials,
	 credentials_nonce, key_version, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	query := `
		INSERT INTO accounts (user_id, broker_code, name, encrypted_credentials, credentials_nonce, key_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		account.UserID, account.BrokerCode, account.Name,
		account.EncryptedCredentials, account.CredentialsNonce, account.KeyVersion).Scan(&account.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return account, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Account
	for rows.Next() {
		account := &models.Account{}
		if err := rows.Scan(&account.ID, &account.UserID, &account.BrokerCode, &account.Name,
			&account.EncryptedCredentials, &account.CredentialsNonce, &account.KeyVersion,
			&account.CreatedAt, &account.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, userID, accountID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND user_id = $2`
	account := &models.Account{}
	err := r.db.QueryRowContext(ctx, query, accountID, userID).Scan(
		&account.ID, &account.UserID, &account.BrokerCode, &account.Name,
		&account.EncryptedCredentials, &account.CredentialsNonce, &account.KeyVersion,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return account, nil
}

func (r *PostgresRepository) UpdateCredentials(ctx context.Context, accountID string, ciphertext, nonce []byte, keyVersion int64) error {
	query := `
		UPDATE accounts
		SET encrypted_credentials = $2, credentials_nonce = $3, key_version = $4, updated_at = now()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, accountID, ciphertext, nonce, keyVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID, accountID string) error {
	query := `DELETE FROM accounts WHERE id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, accountID, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}
