package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/app"
	"github.com/lalithlochan/smsrelay/internal/config"
	"github.com/lalithlochan/smsrelay/internal/observ"
)

// dispatcher runs only the worker pool, for deployments that scale sending
// apart from the HTTP gateway. Run the gateway with DISPATCH_IN_PROCESS=false
// next to it.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger("smsrelay-dispatcher", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting smsrelay dispatcher",
		zap.String("env", cfg.Env),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.String("carrier", a.Carrier.Name()),
		zap.Int("workers", cfg.DispatchWorkers),
	)

	a.Pool.Start(context.WithoutCancel(ctx))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")
	a.Pool.Stop()
	logger.Info("dispatcher stopped")
	return nil
}
