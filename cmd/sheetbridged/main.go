// Sheetbridged is the batch-application daemon for remote spreadsheets.
//
// It accepts operation batches over HTTP, exchanges the caller's credential
// on their behalf, and applies the operations through cached remote sessions
// with retry, circuit breaking, rate limiting, and idempotent replay.
//
// Usage:
//
//	# Start with defaults (~/.config/sheetbridge/config.yaml)
//	sheetbridged
//
//	# Explicit config file
//	sheetbridged -config /etc/sheetbridge/config.yaml
//
//	# Configure via environment
//	SHEETBRIDGE_SERVER_PORT=9090 sheetbridged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/config"
	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/executor"
	"github.com/fyrsmithlabs/sheetbridge/internal/graph"
	"github.com/fyrsmithlabs/sheetbridge/internal/idempotency"
	"github.com/fyrsmithlabs/sheetbridge/internal/logging"
	"github.com/fyrsmithlabs/sheetbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/sheetbridge/internal/ratelimit"
	"github.com/fyrsmithlabs/sheetbridge/internal/retry"
	"github.com/fyrsmithlabs/sheetbridge/internal/server"
	"github.com/fyrsmithlabs/sheetbridge/internal/sessioncache"
	"github.com/fyrsmithlabs/sheetbridge/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sheetbridged\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n", version, gitCommit, buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("sheetbridged: %v", err)
	}
}

// run wires the pipeline and blocks until the context is cancelled:
// config → logger → telemetry → remote client and exchanger → resilience
// layers → orchestrator → HTTP server.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting sheetbridged",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("graph_base_url", cfg.Graph.BaseURL),
	)

	tel, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	orch, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(orch, logger.Named("http"), &server.Config{
		Host: "0.0.0.0",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildPipeline constructs the orchestrator and every collaborator under it.
func buildPipeline(cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	client, err := graph.NewClient(&cfg.Graph, logger.Named("graph"))
	if err != nil {
		return nil, fmt.Errorf("creating remote client: %w", err)
	}

	exchanger, err := credential.NewOBOExchanger(cfg.Credential.Component(), logger.Named("credential"))
	if err != nil {
		return nil, fmt.Errorf("creating credential exchanger: %w", err)
	}

	breakers, err := breaker.NewRegistry(&cfg.Breaker, logger.Named("breaker"))
	if err != nil {
		return nil, fmt.Errorf("creating breaker registry: %w", err)
	}

	policy, err := retry.NewPolicy(&cfg.Retry, logger.Named("retry"))
	if err != nil {
		return nil, fmt.Errorf("creating retry policy: %w", err)
	}

	sessions, err := sessioncache.NewCache(&cfg.Sessions, client, breakers, policy, logger.Named("sessions"))
	if err != nil {
		return nil, fmt.Errorf("creating session cache: %w", err)
	}

	store, err := idempotency.NewStore(&cfg.Idempotency, logger.Named("idempotency"))
	if err != nil {
		return nil, fmt.Errorf("creating idempotency store: %w", err)
	}

	limiter := ratelimit.NewLimiter(logger.Named("ratelimit"))

	exec, err := executor.New(client, breakers, policy, logger.Named("executor"))
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	orch, err := orchestrator.New(&cfg.Orchestrator, exchanger, sessions, exec, store, limiter, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return orch, nil
}
