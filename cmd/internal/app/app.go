package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"agroconnect/cmd/internal/chat"
)

// App wires configuration, storage, metrics and the chat gateway into
// a runnable server.
type App struct {
	cfg      Config
	log      *slog.Logger
	pool     *pgxpool.Pool
	store    chat.Store
	registry *prometheus.Registry
	gateway  *chat.Gateway
}

// NewApp builds the application. It connects to Postgres and runs
// migrations when a database URL is configured, otherwise it serves
// from the in-memory store.
func NewApp(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if err := ValidateSecurity(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		registry: newMetricsRegistry(),
	}

	if cfg.UsesDatabase() {
		if cfg.DBMigrate {
			if err := chat.RunMigrations(cfg.DatabaseURL); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			log.Info("migrations applied")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err := chat.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool
		a.store = store
		log.Info("using postgres store")
	} else {
		a.store = chat.NewInMemoryStore()
		log.Warn("no AGRO_DATABASE_URL set, using in-memory store")
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	metrics := chat.NewCollector(a.registry)
	hub := chat.NewHub(log)
	connRegistry := chat.NewRegistry(log)
	a.gateway = chat.NewGateway(log, hub, connRegistry, a.store, auth, metrics)

	return a, nil
}

func newAuthenticator(cfg Config) (chat.Authenticator, error) {
	if cfg.DevAuth {
		return chat.QueryAuthenticator{}, nil
	}
	return chat.NewTokenAuthenticator([]byte(cfg.TokenHMACKey))
}

// Server returns an http.Server bound to the configured address.
func (a *App) Server() *http.Server {
	return &http.Server{
		Addr:    a.cfg.Addr,
		Handler: a.Router(),
	}
}

// Close releases the store and database pool.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
