package services

import (
	"context"
	"database/sql"
	"errors"

	"github.com/finvault/finvault/internal/common"
	"github.com/finvault/finvault/internal/server/models"
	"github.com/finvault/finvault/internal/server/repositories/repomanager"
)

// BrokerService serves the read-only institution catalog.
type BrokerService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
}

func NewBrokerService(db *sql.DB, m repomanager.RepositoryManager) *BrokerService {
	return &BrokerService{db: db, repomanager: m}
}

func (s *BrokerService) List(ctx context.Context) ([]*models.Broker, error) {
	return s.repomanager.Brokers(s.db).List(ctx)
}

func (s *BrokerService) GetByCode(ctx context.Context, code string) (*models.Broker, error) {
	broker, err := s.repomanager.Brokers(s.db).GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, common.ErrInternal
	}
	return broker, nil
}
