// Command sandbox-worker polls the dispatch server for image generation
// tasks and runs them one at a time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/sandbox/internal/config"
	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/guest"
	"github.com/seantiz/sandbox/internal/imagegen"
	"github.com/seantiz/sandbox/internal/worker"
)

func main() {
	// Inside a worker microVM this binary is init; boot parameters carry
	// its settings.
	guest.SetupInit(config.NewLogger(os.Stdout, slog.LevelInfo))
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())
	restoreGRPCLogger := config.InstallGRPCLogger(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg.Worker, logger)
	stop()
	restoreGRPCLogger()

	if err != nil {
		logger.Error("sandbox-worker: exiting", "error", err)
	}
	guest.Halt(logger)
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Worker, logger *slog.Logger) error {
	logger.Info("sandbox-worker: starting", "endpoint", cfg.Endpoint, "image_size", cfg.ImageSize)
	if cfg.Token == "" {
		logger.Warn("no worker token configured; the server will reject calls")
	}

	if cfg.Assets.Enabled {
		assets, err := worker.NewAssets(worker.AssetsConfig{
			Endpoint:  cfg.Assets.Endpoint,
			AccessKey: cfg.Assets.AccessKey,
			SecretKey: cfg.Assets.SecretKey,
			UseSSL:    cfg.Assets.UseSSL,
			Bucket:    cfg.Assets.Bucket,
			Prefix:    cfg.Assets.Prefix,
			CacheDir:  cfg.Assets.CacheDir,
		}, logger)
		if err != nil {
			return err
		}
		n, err := assets.Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync model assets: %w", err)
		}
		logger.Info("model assets ready", "fetched", n, "cache_dir", cfg.Assets.CacheDir)
	}

	client, err := dispatch.Dial(cfg.Endpoint, cfg.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	w := worker.New(worker.Config{
		ID:           cfg.ID,
		PollInterval: cfg.PollInterval,
		QueueSize:    cfg.ProgressQueueSize,
	}, client, &imagegen.Placeholder{Size: cfg.ImageSize}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, logger) })
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
