// smsctl is the operator CLI: tenant onboarding, quotas, opt-outs, consent
// and request signing for manual testing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/config"
	"github.com/lalithlochan/smsrelay/internal/db"
	"github.com/lalithlochan/smsrelay/internal/observ"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "smsctl",
		Short:         "Administer an smsrelay deployment",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(tenantCmd())
	root.AddCommand(userCmd())
	root.AddCommand(quotaCmd())
	root.AddCommand(optOutCmd())
	root.AddCommand(consentCmd())
	root.AddCommand(signCmd())

	return root
}

// withRepo opens the database from the usual environment settings, runs fn
// and closes the pool.
func withRepo(cmd *cobra.Command, fn func(ctx context.Context, repo *db.Repository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observ.NewLogger("smsctl", cfg.Env, "warn")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: 2,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	logger.Debug("connected", zap.String("host", cfg.DBHost))
	return fn(ctx, db.NewRepository(database, logger))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
