package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fieldstack/simsync/internal/config"
	"github.com/fieldstack/simsync/internal/platform/postgres"
	"github.com/fieldstack/simsync/internal/platform/telemetry"
	"github.com/fieldstack/simsync/internal/task"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and task engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := c.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}

	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().String("store", config.BackendMemory, "task store backend: memory | postgres | redis")
	cmd.Flags().String("metrics-addr", "", "Prometheus metrics address (e.g. :9090); empty disables it")
	cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables tracing")
	c.bindFlag("server.port", cmd.Flags(), "port")
	c.bindFlag("store.backend", cmd.Flags(), "store")
	c.bindFlag("telemetry.metrics_addr", cmd.Flags(), "metrics-addr")
	c.bindFlag("telemetry.otel_endpoint", cmd.Flags(), "otel-endpoint")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, "simsync", cfg.Telemetry.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	if app.db != nil {
		if err := postgres.Migrate(ctx, app.db, postgres.MigrateUp, log); err != nil {
			return err
		}
	}

	if err := app.manager.Recover(ctx); err != nil {
		log.Error("task recovery failed", slog.String("error", err.Error()))
	}

	sweeper, err := startSweeper(app.manager, cfg.Engine.CleanupSchedule, log)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if cfg.Telemetry.MetricsAddr != "" {
		g.Go(func() error {
			return telemetry.ServeMetrics(gctx, cfg.Telemetry.MetricsAddr, log)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		<-sweeper.Stop().Done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		if err := app.manager.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("task manager shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server shutdown completed")
	return nil
}

// startSweeper schedules periodic removal of expired tasks.
func startSweeper(manager *task.Manager, schedule string, log *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := manager.CleanupNow(ctx); err != nil {
			log.Error("scheduled task sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			log.Info("scheduled task sweep finished", slog.Int("removed", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
