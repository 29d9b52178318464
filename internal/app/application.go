package app

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/extension_router/internal/app/audit"
	"github.com/R3E-Network/extension_router/internal/app/domain/extension"
	"github.com/R3E-Network/extension_router/internal/app/httpapi"
	"github.com/R3E-Network/extension_router/internal/app/metrics"
	"github.com/R3E-Network/extension_router/internal/app/services/authorizer"
	"github.com/R3E-Network/extension_router/internal/app/services/dispatcher"
	"github.com/R3E-Network/extension_router/internal/app/services/permissions"
	"github.com/R3E-Network/extension_router/internal/app/services/registry"
	"github.com/R3E-Network/extension_router/internal/app/services/rewards"
	"github.com/R3E-Network/extension_router/internal/app/signing"
	"github.com/R3E-Network/extension_router/internal/app/storage"
	"github.com/R3E-Network/extension_router/internal/app/storage/memory"
	"github.com/R3E-Network/extension_router/internal/app/storage/postgres"
	"github.com/R3E-Network/extension_router/internal/config"
	"github.com/R3E-Network/extension_router/internal/middleware"
	"github.com/R3E-Network/extension_router/pkg/logger"
)

// Options tune application construction. Zero values fall back to defaults.
type Options struct {
	// Store overrides the configured persistence backend. Intended for tests.
	Store storage.Store

	// Defaults are the compiled-in extensions available before any
	// registry mutation.
	Defaults []extension.Descriptor

	// Transfer executes reward payouts. A nil transfer leaves claims
	// recorded but moves no assets.
	Transfer rewards.AssetTransfer
}

// Application wires the router services together and manages the HTTP
// server lifecycle.
type Application struct {
	cfg *config.Config
	log *logger.Logger

	Registry    *registry.Service
	Authorizer  *authorizer.Service
	Permissions *permissions.Service
	Dispatcher  *dispatcher.Service
	Rewards     *rewards.Service
	Audit       *audit.Log

	store      storage.Store
	db         *sql.DB
	httpServer *http.Server
	limiter    *middleware.RateLimiter
}

// loggingTransfer is the default payout collaborator. It records the
// transfer intent and succeeds, leaving settlement to an operator.
type loggingTransfer struct {
	log *logger.Logger
}

func (t loggingTransfer) Transfer(_ context.Context, token, to string, amount *big.Int) error {
	value := "0"
	if amount != nil {
		value = amount.String()
	}
	t.log.WithFields(map[string]any{
		"token":  token,
		"to":     to,
		"amount": value,
	}).Info("reward transfer recorded; settlement is external")
	return nil
}

// New builds a fully initialised application from configuration.
func New(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	store := opts.Store
	var db *sql.DB
	if store == nil {
		var err error
		store, db, err = buildStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("configure store: %w", err)
		}
	}

	var sink audit.Sink
	if cfg.Router.AuditFile != "" {
		sink = audit.NewFileSink(cfg.Router.AuditFile)
	}
	auditLog := audit.NewLog(0, sink)

	// The owner is always an admin. Seeding it into the store makes the
	// bootstrap visible through ListAdmins and survives restarts on
	// persistent backends.
	if cfg.Router.Owner != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SetAdmin(ctx, cfg.Router.Owner, true); err != nil {
			return nil, fmt.Errorf("seed owner admin: %w", err)
		}
	}

	domain := signing.Domain{ChainID: cfg.Router.ChainID, Router: cfg.Router.RouterID}
	auth, err := authorizer.New(domain, store, store,
		authorizer.WithLogger(log),
		authorizer.WithOwner(cfg.Router.Owner),
	)
	if err != nil {
		return nil, fmt.Errorf("build authorizer: %w", err)
	}

	reg, err := registry.New(store, opts.Defaults,
		registry.WithLogger(log),
		registry.WithAudit(auditLog),
	)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	perms := permissions.New(store, auth, cfg.Router.Owner,
		permissions.WithLogger(log),
		permissions.WithAudit(auditLog),
	)

	disp := dispatcher.New(reg, auth, perms, cfg.Router.Owner, dispatcher.WithLogger(log))

	transfer := opts.Transfer
	if transfer == nil {
		transfer = loggingTransfer{log: log.WithField("component", "rewards")}
	}
	rewardSvc := rewards.New(store, auth, transfer,
		rewards.WithLogger(log),
		rewards.WithAudit(auditLog),
	)

	handler := httpapi.NewHandler(httpapi.Services{
		Registry:    reg,
		Permissions: perms,
		Dispatcher:  disp,
		Rewards:     rewardSvc,
		Metadata:    store,
		Audit:       auditLog,
	}, log)

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, log)
	authMW := middleware.NewAuthMiddleware([]byte(cfg.Router.JWTSecret), log, []string{"/healthz", "/metrics"})
	cors := middleware.NewCORSMiddleware(nil)

	chain := metrics.InstrumentHandler(handler)
	chain = limiter.Handler(chain)
	chain = authMW.Handler(chain)
	chain = cors.Handler(chain)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Application{
		cfg:         cfg,
		log:         log,
		Registry:    reg,
		Authorizer:  auth,
		Permissions: perms,
		Dispatcher:  disp,
		Rewards:     rewardSvc,
		Audit:       auditLog,
		store:       store,
		db:          db,
		httpServer:  srv,
		limiter:     limiter,
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (a *Application) Run(ctx context.Context) error {
	a.limiter.StartCleanup(time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server and closes the database.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.limiter.Stop()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildStore(cfg *config.Config) (storage.Store, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return memory.New(), nil, nil
	case "postgres":
		if cfg.Database.DSN == "" {
			return nil, nil, fmt.Errorf("postgres driver requires a dsn")
		}
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
