// Command gymops serves the gym console API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/access"
	"github.com/talosaether/gymops/auth"
	"github.com/talosaether/gymops/cache"
	"github.com/talosaether/gymops/console"
	"github.com/talosaether/gymops/events"
	"github.com/talosaether/gymops/permissions"
	"github.com/talosaether/gymops/users"
)

const (
	defaultAddr     = ":8080"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Default().Error("gymops stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	var opts []gymops.Option
	if _, err := os.Stat(configPath); err == nil {
		opts = append(opts, gymops.WithConfigFile(configPath))
	}
	app := gymops.New(opts...)
	logger := app.Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	usersMod := users.New()
	// Collaborators register before the modules that look them up in Init.
	for _, mod := range []gymops.Module{
		events.New(events.WithLogger(logger)),
		usersMod,
		cache.New(),
		auth.New(),
		permissions.New(),
		access.New(access.WithRegistry(registry)),
	} {
		if err := app.Register(ctx, mod); err != nil {
			_ = app.Shutdown(context.WithoutCancel(ctx))
			return err
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Error("module shutdown", "error", err)
		}
	}()

	addr := defaultAddr
	if cfg := app.ConfigData(); cfg != nil {
		if email := cfg.GetString("console.admin_email"); email != "" {
			admin, err := console.SeedAdmin(ctx, usersMod, email, cfg.GetString("console.admin_password"))
			switch {
			case errors.Is(err, console.ErrSeedNotAdmin):
				logger.Warn("seed email belongs to a non-admin; no admin seeded",
					"user_id", admin.ID, "email", email, "role", string(admin.Role))
			case err != nil:
				return fmt.Errorf("seed admin: %w", err)
			default:
				logger.Info("admin account ready", "user_id", admin.ID, "email", admin.Email)
			}
		}
		if a := cfg.GetString("http.addr"); a != "" {
			addr = a
		}
	}

	srv, err := console.New(app, console.WithGatherer(registry))
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("console listening", "addr", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
