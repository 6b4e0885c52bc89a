package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/database"
	"github.com/iliyamo/auth-broker/internal/logger"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/queue"
	"github.com/iliyamo/auth-broker/internal/repository"
	"github.com/iliyamo/auth-broker/internal/service"
	"github.com/iliyamo/auth-broker/internal/token"
)

// app holds the process-wide collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	stores  *repository.Stores
	codec   *token.Codec
	metrics *metrics.Auth
	events  queue.Publisher
	svc     *service.AuthService
}

// bootstrap loads configuration and opens MySQL.  The signing secrets are
// checked here so a misconfigured process never starts serving.
func bootstrap(ctx context.Context, name string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(name, cfg.LogLevel)
	slog.SetDefault(log)

	db, err := database.Open(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	codec, err := token.NewCodec(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		stores: repository.NewStores(db, cfg.BcryptCost),
		codec:  codec,
		events: queue.NopPublisher{},
	}, nil
}

// withService builds the auth service.  When auditing is enabled, events
// go to RabbitMQ; otherwise they are dropped.
func (a *app) withService(reg prometheus.Registerer) {
	if reg != nil {
		a.metrics = metrics.NewAuth(reg)
	}
	if a.cfg.AuditEnabled {
		a.events = queue.NewAMQPPublisher(a.cfg.RabbitMQURL, a.log)
	}
	a.svc = service.NewAuthService(service.Deps{
		Users:   a.stores.Users,
		Tokens:  a.stores.Tokens,
		Tx:      a.stores,
		Codec:   a.codec,
		Events:  a.events,
		Metrics: a.metrics,
		Log:     a.log,

		BcryptCost: a.cfg.BcryptCost,
	})
}

// redisClient returns nil when Redis is unreachable; callers degrade.
func (a *app) redisClient() *redis.Client {
	rdb, err := config.NewRedisClient()
	if err != nil {
		a.log.Warn("redis config invalid", slog.Any("error", err))
		return nil
	}
	if rdb == nil {
		a.log.Warn("redis unavailable: sessions, rate limiting and response cache disabled")
	}
	return rdb
}

func (a *app) close() {
	if p, ok := a.events.(*queue.AMQPPublisher); ok {
		_ = p.Close()
	}
	_ = a.db.Close()
}
