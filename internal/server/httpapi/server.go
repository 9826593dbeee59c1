// Package httpapi exposes the server's REST interface: salt issuance,
// login/refresh, registration, password change, the broker catalog, and the
// credential-bearing account endpoints guarded by the KEK middleware.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/finvault/finvault/internal/logging"
	"github.com/finvault/finvault/internal/server/brokersync"
	"github.com/finvault/finvault/internal/server/config"
	"github.com/finvault/finvault/internal/server/kek"
	"github.com/finvault/finvault/internal/server/models"
	"github.com/finvault/finvault/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AuthAPI is the authentication surface consumed by the handlers.
type AuthAPI interface {
	IssueSalts(ctx context.Context, userName string) (*services.SaltBundle, error)
	NewSalts(ctx context.Context) (*services.SaltBundle, error)
	RegisterMigrated(ctx context.Context, p services.RegisterMigratedParams) (*services.RegisterResult, error)
	RegisterLegacy(ctx context.Context, userName, email string, password []byte) (*services.RegisterResult, error)
	Login(ctx context.Context, userName string, authSecret []byte) (*services.LoginResult, error)
	LoginLegacy(ctx context.Context, userName string, password []byte) (*services.LoginResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	Me(ctx context.Context, userID string) (*models.User, error)
	ChangePasswordMigrated(ctx context.Context, userID string, p services.ChangeKeyParams) error
	ChangePasswordLegacy(ctx context.Context, userID string, oldPassword, newPassword []byte) (*services.MigrationResult, error)
}

// AccountAPI is the account/credential surface consumed by the handlers.
type AccountAPI interface {
	List(ctx context.Context, userID string) ([]*models.Account, error)
	Create(ctx context.Context, userID, brokerCode, name string, credentials []byte) (*models.Account, error)
	GetCredentials(ctx context.Context, userID, accountID string) ([]byte, error)
	UpdateCredentials(ctx context.Context, userID, accountID string, credentials []byte) error
	Delete(ctx context.Context, userID, accountID string) error
	Sync(ctx context.Context, userID, accountID string) (*brokersync.Result, error)
}

// BrokerAPI serves the read-only institution catalog.
type BrokerAPI interface {
	List(ctx context.Context) ([]*models.Broker, error)
	GetByCode(ctx context.Context, code string) (*models.Broker, error)
}

// Server is the HTTP front of the application.
type Server struct {
	address   string
	logger    logging.Logger
	jwtSecret []byte
	limiter   *rateLimiter

	auth     AuthAPI
	accounts AccountAPI
	brokers  BrokerAPI
}

// NewServer wires the HTTP surface to the services.
func NewServer(cfg *config.Config, l logging.Logger, a AuthAPI, acc AccountAPI, b BrokerAPI) *Server {
	return &Server{
		address:   cfg.EndpointAddrHTTP,
		logger:    l.With("module", "http_server"),
		jwtSecret: []byte(cfg.SecretKey),
		limiter:   newRateLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow),
		auth:      a,
		accounts:  acc,
		brokers:   b,
	}
}

// Router assembles the route tree. Credential-bearing account routes run
// behind the KEK middleware, which scopes the client's key to one request.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Get("/salt", s.handleIssueSalts)
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)

			r.Group(func(r chi.Router) {
				r.Use(s.requireAuth)
				r.Post("/logout", s.handleLogout)
				r.Get("/salt/new", s.handleNewSalts)
				r.Post("/password", s.handleChangePassword)
				r.Get("/me", s.handleMe)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/brokers", s.handleListBrokers)
			r.Get("/brokers/{code}", s.handleGetBroker)

			r.Route("/accounts", func(r chi.Router) {
				r.Use(kek.Middleware)
				r.Get("/", s.handleListAccounts)
				r.Post("/", s.handleCreateAccount)

				r.Route("/{accountID}", func(r chi.Router) {
					r.Get("/credentials", s.handleGetCredentials)
					r.Put("/credentials", s.handleUpdateCredentials)
					r.Post("/sync", s.handleSync)
					r.Delete("/", s.handleDeleteAccount)
				})
			})
		})
	})

	return r
}

// Run serves HTTP until ctx is canceled, then drains with a graceful
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.address,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
