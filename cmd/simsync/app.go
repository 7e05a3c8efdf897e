package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fieldstack/simsync/internal/api"
	apimiddleware "github.com/fieldstack/simsync/internal/api/middleware"
	"github.com/fieldstack/simsync/internal/auth"
	"github.com/fieldstack/simsync/internal/config"
	"github.com/fieldstack/simsync/internal/platform/postgres"
	"github.com/fieldstack/simsync/internal/platform/redis"
	"github.com/fieldstack/simsync/internal/reconcile"
	"github.com/fieldstack/simsync/internal/task"
)

// application holds the wired components of a running service.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *sql.DB
	redis   *goredis.Client
	tasks   task.TaskStore
	records reconcile.RecordStore
	manager *task.Manager
	tokens  *auth.TokenService
}

// newApplication connects the configured backends and builds the manager.
// SIM card records live in PostgreSQL whenever a database URL is configured,
// independent of where task records are kept.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		app.db = db
	}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		app.tasks = postgres.NewTaskStore(app.db)
	case config.BackendRedis:
		client := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			app.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redis = client
		app.tasks = redis.NewTaskStore(client)
	default:
		app.tasks = task.NewMemoryTaskStore()
	}

	if app.db != nil {
		app.records = postgres.NewSimCardStore(app.db)
	} else {
		logger.Warn("no database configured, sim card records are kept in memory")
		app.records = reconcile.NewMemoryRecordStore()
	}

	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		app.close()
		return nil, err
	}
	app.tokens = tokens

	strategy := reconcile.NewStreamingSync(app.records, reconcileConfig(cfg.Engine), logger)
	app.manager = task.NewManager(app.tasks, task.NewRegistry(strategy), managerConfig(cfg.Engine), logger)

	logger.Info("application initialized",
		slog.String("store_backend", cfg.Store.Backend),
		slog.String("records_backend", recordsBackend(app.db)))
	return app, nil
}

func (app *application) router() http.Handler {
	handler := api.NewTaskHandler(app.manager, app.logger)
	return api.NewRouter(handler, apimiddleware.NewAuthMiddleware(app.tokens), app.logger)
}

func (app *application) close() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", slog.String("error", err.Error()))
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database connection", slog.String("error", err.Error()))
		}
	}
}

func recordsBackend(db *sql.DB) string {
	if db != nil {
		return config.BackendPostgres
	}
	return config.BackendMemory
}
