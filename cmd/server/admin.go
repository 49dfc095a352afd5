package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mir00r/bluegreen/internal/bluegreen"
	"github.com/mir00r/bluegreen/internal/config"
	"github.com/mir00r/bluegreen/internal/database"
	"github.com/mir00r/bluegreen/pkg/logger"
)

// Admin processes run as one-off invocations of the server binary against the
// same configuration as the long-running process.

// runMigration applies all pending migrations
func runMigration(cfg *config.Config) error {
	fmt.Printf("Applying migrations from %s...\n", cfg.Storage.MigrationsPath)
	if err := database.RunMigrations(cfg.Storage.DatabaseURL, cfg.Storage.MigrationsPath); err != nil {
		return err
	}
	return runMigrationVersion(cfg)
}

// runRollback reverts the most recent migration
func runRollback(cfg *config.Config) error {
	fmt.Println("Rolling back one migration...")
	if err := database.RollbackMigration(cfg.Storage.DatabaseURL, cfg.Storage.MigrationsPath); err != nil {
		return err
	}
	return runMigrationVersion(cfg)
}

// runMigrationVersion prints the schema version
func runMigrationVersion(cfg *config.Config) error {
	version, dirty, err := database.MigrationVersion(cfg.Storage.DatabaseURL, cfg.Storage.MigrationsPath)
	if err != nil {
		return err
	}
	fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
	return nil
}

// runHealthCheck probes the readiness endpoint of both configured instances
func runHealthCheck(cfg *config.Config) error {
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	prober, err := bluegreen.NewProber(cfg.HealthCheck.Protocol, cfg.HealthCheck.GRPCService, cfg.HealthCheck.Timeout, log)
	if err != nil {
		return err
	}

	fmt.Printf("Checking readiness of %d instances...\n", len(cfg.Switch.Instances))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unhealthy := 0
	for _, ic := range cfg.Switch.Instances {
		inst := bluegreen.Instance{
			Color:      bluegreen.Color(ic.Color),
			Address:    ic.Address,
			HealthPath: ic.HealthPath,
		}
		if inst.HealthPath == "" {
			inst.HealthPath = cfg.HealthCheck.Path
		}

		status := "✓ ready"
		if err := prober.Probe(ctx, inst); err != nil {
			status = fmt.Sprintf("✗ not ready: %v", err)
			unhealthy++
		}
		fmt.Printf("Instance %s (%s): %s\n", inst.Color, inst.HealthURL(), status)
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d instance(s) not ready", unhealthy)
	}
	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation(cfg *config.Config) error {
	fmt.Println("Configuration validation passed ✓")
	fmt.Printf("Port: %d\n", cfg.Server.Port)
	fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
	fmt.Printf("Switch: :%d (admin :%d)\n", cfg.Switch.ListenPort, cfg.Switch.AdminPort)
	fmt.Printf("Initial active: %s\n", cfg.Switch.InitialActive)
	fmt.Printf("Cutover policy: %s\n", cfg.Switch.CutoverPolicy)
	fmt.Printf("Drain timeout: %s\n", cfg.Switch.DrainTimeout)
	fmt.Printf("Rate Limiting: %t\n", cfg.RateLimit.Enabled)
	fmt.Printf("Admin auth: %t\n", cfg.Admin.JWTSecret != "")

	return nil
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: server -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  migrate         - Apply pending database migrations")
		fmt.Println("  rollback        - Revert the last database migration")
		fmt.Println("  version         - Print the database schema version")
		fmt.Println("  health-check    - Probe readiness of the configured instances")
		fmt.Println("  validate-config - Validate configuration")
		os.Exit(1)
	}

	// An invalid configuration fails every command, which is what validate-config reports
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[2]

	switch command {
	case "migrate":
		err = runMigration(cfg)
	case "rollback":
		err = runRollback(cfg)
	case "version":
		err = runMigrationVersion(cfg)
	case "health-check":
		err = runHealthCheck(cfg)
	case "validate-config", "validate":
		err = runConfigValidation(cfg)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
