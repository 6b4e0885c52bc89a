package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/auth-broker/internal/queue"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Write auth events to the audit log and prune expired refresh tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, "auth-broker-worker")
			if err != nil {
				return err
			}
			defer a.close()
			a.withService(nil)

			g, ctx := errgroup.WithContext(ctx)
			if a.cfg.AuditEnabled {
				consumer := queue.NewAuditConsumer(a.cfg.RabbitMQURL, a.cfg.AuditLogPath, a.log)
				g.Go(func() error { return consumer.Run(ctx) })
			} else {
				a.log.Info("audit disabled, only pruning")
			}
			g.Go(func() error { return prune(ctx, a, a.cfg.TokenPruneInterval) })
			return g.Wait()
		},
	}
}

// prune deletes expired refresh records once at start and then every
// interval until ctx is cancelled.
func prune(ctx context.Context, a *app, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := a.svc.PruneExpired(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("prune failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
