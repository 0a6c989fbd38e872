// Command sandbox runs the task dispatch server: the gRPC services and HTTP
// bridge on one port, the lease reaper and, when enabled, the autoscaler.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sandbox/internal/api"
	"github.com/seantiz/sandbox/internal/autoscaler"
	"github.com/seantiz/sandbox/internal/compute"
	"github.com/seantiz/sandbox/internal/config"
	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/events"
	"github.com/seantiz/sandbox/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())
	defer config.InstallGRPCLogger(cfg.Level())()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sandbox: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("sandbox: starting",
		"listen_addr", cfg.Server.ListenAddr,
		"store", cfg.Store.Driver,
		"events", cfg.Events.Driver,
		"autoscaling", cfg.Autoscaling.Enabled,
	)
	if cfg.Server.WorkerToken == "" {
		logger.Warn("no worker token configured; all worker calls will be rejected")
	}

	st, err := openStore(ctx, cfg.Store, store.WithLeaseDuration(cfg.Server.LeaseDuration))
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := events.New(events.Config{
		Driver:  cfg.Events.Driver,
		URL:     cfg.Events.URL,
		Topic:   cfg.Events.Topic,
		Brokers: cfg.Events.Brokers,
	})
	if err != nil {
		return fmt.Errorf("create event publisher: %w", err)
	}
	defer pub.Close()

	svc := dispatch.NewService(st, dispatch.NewBroker(), pub, logger)
	grpcServer, err := dispatch.NewGRPCServer(svc, cfg.Server.WorkerToken)
	if err != nil {
		return fmt.Errorf("create grpc server: %w", err)
	}
	srv := api.NewServer(cfg.Server.ListenAddr, svc, st, grpcServer, cfg.Server.WorkerToken, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Server.LeaseDuration > 0 {
		g.Go(func() error { return svc.RunReaper(gctx, cfg.Server.ReapInterval) })
	}

	if cfg.Autoscaling.Enabled {
		ctrl, cleanup, err := autoscaler.NewController(ctx, cfg, compute.StoreDemand{Tasks: st}, logger)
		defer cleanup()
		if err != nil {
			return fmt.Errorf("create autoscaler: %w", err)
		}
		g.Go(func() error { return ctrl.Run(gctx) })
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Store, opts ...store.Option) (store.Store, error) {
	switch cfg.Driver {
	case "redis":
		s, err := store.NewRedisStore(ctx, cfg.RedisURL(), opts...)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.DBPath, opts...)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	}
}
