// Package brokers provides a read-only PostgreSQL repository for the broker
// catalog seeded by migrations.
package brokers

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

const brokerColumns = `code, name, integration_type, bank_identifier, fints_server,
	 api_base_url, country, credential_schema, supports_auto_sync, is_active`

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Broker, error) {
	query := `SELECT ` + brokerColumns + ` FROM brokers WHERE is_active ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Broker
	for rows.Next() {
		broker := &models.Broker{}
		if err := scanBroker(rows.Scan, broker); err != nil {
			return nil, err
		}
		result = append(result, broker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) GetByCode(ctx context.Context, code string) (*models.Broker, error) {
	query := `SELECT ` + brokerColumns + ` FROM brokers WHERE code = $1 AND is_active`
	broker := &models.Broker{}
	if err := scanBroker(r.db.QueryRowContext(ctx, query, code).Scan, broker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return broker, nil
}

func scanBroker(scan func(dest ...any) error, broker *models.Broker) error {
	return scan(&broker.Code, &broker.Name, &broker.IntegrationType, &broker.BankIdentifier,
		&broker.FinTSServer, &broker.APIBaseURL, &broker.Country, &broker.CredentialSchema,
		&broker.SupportsAutoSync, &broker.IsActive)
}
