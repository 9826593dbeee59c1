package repomanager

import (
	"context"
	"database/sql"

	"github.com/finvault/finvault/internal/dbx"
	"github.com/finvault/finvault/internal/server/repositories/accounts"
	"github.com/finvault/finvault/internal/server/repositories/brokers"
	"github.com/finvault/finvault/internal/server/repositories/refreshtokens"
	"github.com/finvault/finvault/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Accounts(db dbx.DBTX) accounts.Repository
	Brokers(db dbx.DBTX) brokers.Repository
}
