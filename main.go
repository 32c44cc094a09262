// Command everrun manages the engine's system database: provisioning,
// migrations, and teardown. Applications embed the engine as a library;
// this binary is the operational companion.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/everrun-io/everrun/pkg/config"
	"github.com/everrun-io/everrun/pkg/database"
	"github.com/everrun-io/everrun/pkg/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	if command == "version" {
		fmt.Println(Version)
		return nil
	}

	cfg, err := config.Load("config.yaml", Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sysDSN := cfg.Database.SystemConnectionString()
	logger.Info("System database target",
		zap.String("database", cfg.Database.SystemDB),
		zap.String("dsn", logging.SanitizeConnectionString(sysDSN)))

	switch command {
	case "migrate":
		if err := database.EnsureDatabase(ctx, cfg.Database.AppConnectionString(), cfg.Database.SystemDB); err != nil {
			return err
		}
		return database.RunMigrations(sysDSN, logger)
	case "rollback":
		return database.RollbackMigration(sysDSN, logger)
	case "reset":
		return resetSystemDatabase(ctx, cfg, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// resetSystemDatabase drops and recreates the system database. Destructive:
// all workflow state is lost.
func resetSystemDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := database.DropDatabase(ctx, cfg.Database.AppConnectionString(), cfg.Database.SystemDB); err != nil {
		return err
	}
	logger.Info("Dropped system database", zap.String("database", cfg.Database.SystemDB))

	if err := database.EnsureDatabase(ctx, cfg.Database.AppConnectionString(), cfg.Database.SystemDB); err != nil {
		return err
	}
	return database.RunMigrations(cfg.Database.SystemConnectionString(), logger)
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: everrun <command>

Commands:
  migrate    create the system database if needed and apply migrations
  rollback   revert the most recent system database migration
  reset      drop and recreate the system database (destructive)
  version    print the build version
`)
}
