// Package users provides a PostgreSQL-backed repository for user records,
// including the per-user key-scheme columns.
package users

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

const userColumns = `id, username, email, password_hash, auth_salt, kek_salt, auth_hash,
	 encrypted_user_key, user_key_nonce, key_version, migrated, created_at`

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		INSERT INTO users (username, email, password_hash, auth_salt, kek_salt, auth_hash,
		                   encrypted_user_key, user_key_nonce, key_version, migrated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		user.UserName, user.Email, user.PasswordHash, user.AuthSalt, user.KEKSalt, user.AuthHash,
		user.EncryptedUserKey, user.UserKeyNonce, user.KeyVersion, user.Migrated).Scan(&user.ID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetByUserName(ctx context.Context, userName string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, userName))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) SaveKeyMaterial(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET password_hash = $2, auth_salt = $3, kek_salt = $4, auth_hash = $5,
		    encrypted_user_key = $6, user_key_nonce = $7, key_version = $8, migrated = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		user.ID, user.PasswordHash, user.AuthSalt, user.KEKSalt, user.AuthHash,
		user.EncryptedUserKey, user.UserKeyNonce, user.KeyVersion, user.Migrated)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.UserName, &user.Email, &user.PasswordHash,
		&user.AuthSalt, &user.KEKSalt, &user.AuthHash,
		&user.EncryptedUserKey, &user.UserKeyNonce, &user.KeyVersion, &user.Migrated, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}
