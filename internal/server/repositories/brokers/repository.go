package brokers

import (
	"context"

	"github.com/finvault/finvault/internal/server/models"
)

type Repository interface {
	List(ctx context.Context) ([]*models.Broker, error)
	GetByCode(ctx context.Context, code string) (*models.Broker, error)
}
