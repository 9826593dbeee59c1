package accounts

import (
	"context"

	"github.com/finvault/finvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Account, error)

	// GetByID is scoped to the owning user; a foreign account yields
	// common.ErrNotFound rather than any hint it exists.
	GetByID(ctx context.Context, userID, accountID string) (*models.Account, error)

	// UpdateCredentials replaces the credential blob wholesale.
	UpdateCredentials(ctx context.Context, accountID string, ciphertext, nonce []byte, keyVersion int64) error

	Delete(ctx context.Context, userID, accountID string) error
}
