// Package server initializes and runs the FinVault server: it opens the
// database, runs migrations, wires the services together, and starts the
// HTTP endpoint with graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/finvault/finvault/internal/cryptox"
	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/brokersync"
	"github.com/finvault/finvault/internal/server/config"
	"github.com/finvault/finvault/internal/server/httpapi"
	"github.com/finvault/finvault/internal/server/repositories/repomanager"
	"github.com/finvault/finvault/internal/server/services"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	server *httpapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	legacyMasterKey, err := base64.StdEncoding.DecodeString(cfg.LegacyMasterKey)
	if err != nil || len(legacyMasterKey) != cryptox.KeySize {
		return nil, fmt.Errorf("legacy master key must be base64 of %d bytes", cryptox.KeySize)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("db migration error: %w", err)
	}

	hasher := services.NewHashRunner(cfg.HashWorkers)
	migrator := services.NewMigrator(db, rm, logger, hasher, legacyMasterKey)
	authService := services.NewAuthService(db, rm, cfg, logger, hasher, migrator)

	// Integration adapters are registered here as they land; a broker whose
	// integration type has no adapter yet simply cannot auto-sync.
	dispatcher := brokersync.NewDispatcher()

	accountService := services.NewAccountService(db, rm, logger, legacyMasterKey, dispatcher)
	brokerService := services.NewBrokerService(db, rm)

	srv := httpapi.NewServer(cfg, logger, authService, accountService, brokerService)

	return &App{config: cfg, logger: logger, db: db, server: srv}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.server.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, err.Error())
	}
}
