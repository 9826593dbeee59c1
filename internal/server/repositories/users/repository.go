package users

import (
	"context"

	"github.com/finvault/finvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByUserName(ctx context.Context, userName string) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)

	// SaveKeyMaterial persists the authentication/key-scheme columns from the
	// model: password hash, salts, auth hash, wrapped user key, key version
	// and the migrated flag. Run it inside the same transaction as any
	// credential re-encryption it accompanies.
	SaveKeyMaterial(ctx context.Context, user *models.User) error
}
