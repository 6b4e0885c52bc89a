package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/database"
	"github.com/iliyamo/auth-broker/internal/handler"
	"github.com/iliyamo/auth-broker/internal/middleware"
	"github.com/iliyamo/auth-broker/internal/router"
	"github.com/iliyamo/auth-broker/internal/session"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply migrations before serving")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	a, err := bootstrap(ctx, "auth-broker")
	if err != nil {
		return err
	}
	defer a.close()

	if migrate {
		if err := database.Migrate(a.cfg.MigrateURL(), "up"); err != nil {
			return err
		}
	}
	a.withService(prometheus.DefaultRegisterer)

	rdb := a.redisClient()
	if rdb != nil {
		defer rdb.Close()
	}

	var sessions session.Store
	if a.cfg.Session.Enabled && rdb != nil {
		sessions = session.NewRedisStore(rdb, a.cfg.Session.Prefix, a.cfg.Session.TTL)
	}
	rl, err := config.LoadRateLimitConfig()
	if err != nil {
		return err
	}
	cc, err := config.LoadCacheConfig()
	if err != nil {
		return err
	}
	cache := middleware.NewResponseCache(cc, rdb, a.log)

	health := handler.NewHealth()
	health.Register("mysql", a.db.PingContext)
	if rdb != nil {
		health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	h := router.Handlers{
		Auth:   handler.NewAuthHandler(a.cfg, a.svc, sessions, a.log),
		Admin:  handler.NewAdminHandler(a.svc, cache, a.log),
		Health: health,
		Authn: &middleware.Authenticator{
			Codec:      a.codec,
			Users:      a.svc,
			Sessions:   sessions,
			CookieName: a.cfg.Session.CookieName,
			Metrics:    a.metrics,
			Log:        a.log,
		},
		RateLimit: middleware.NewTokenBucket(rl, rdb, a.log),
		Cache:     cache,
		Metrics:   promhttp.Handler(),
	}

	e := router.New(a.cfg, a.log)
	router.RegisterRoutes(e, h)
	router.RegisterAuth(e, h)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		a.log.Info("listening", slog.String("addr", addr), slog.String("env", a.cfg.Env),
			slog.Bool("sessions", sessions != nil))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
