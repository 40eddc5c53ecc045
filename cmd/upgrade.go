package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/upgrade"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// ErrUpgradeFailed is returned when the schema cannot be brought up to date.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun, status bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Bring the database schema and data up to date",
		Long:  "Applies pending SQL migrations and data hooks. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpgrade(dryRun, status)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "only print the current upgrade status")
	return cmd
}

func runUpgrade(dryRun, statusOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	if !cfg.IsManagedMode() {
		fmt.Println("  Mode:            standalone (no schema to manage)")
		return nil
	}

	ctx := context.Background()
	db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	printSchemaStatus(s)
	pending, hookErr := upgrade.PendingHooks(ctx, db)
	if hookErr != nil {
		slog.Debug("could not check pending data hooks", "error", hookErr)
	}
	for _, name := range pending {
		fmt.Printf("    pending hook: %s\n", name)
	}

	switch {
	case statusOnly:
		return nil
	case s.Dirty, s.CurrentVersion > s.RequiredVersion:
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	case dryRun:
		if s.NeedsMigration {
			fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		}
		fmt.Printf("  Would run %d data hook(s)\n", len(pending))
		return nil
	}

	if err := applyUpgrade(ctx, cfg.Database.PostgresDSN, db, s); err != nil {
		return err
	}
	fmt.Println("  Upgrade complete.")
	return nil
}

func printSchemaStatus(s *upgrade.SchemaStatus) {
	fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
	switch {
	case s.Dirty:
		fmt.Println("  Status:          DIRTY (failed migration)")
	case s.Compatible:
		fmt.Println("  Status:          UP TO DATE")
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Println("  Status:          BINARY TOO OLD")
	default:
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}
}

// applyUpgrade runs pending SQL migrations, then data hooks.
func applyUpgrade(ctx context.Context, dsn string, db *sql.DB, s *upgrade.SchemaStatus) error {
	if s.NeedsMigration {
		m, err := newMigrator(dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		if err := ignoreNoChange(m.Up()); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		slog.Info("upgrade.sql_applied", "from", s.CurrentVersion, "to", v)
	}
	count, err := upgrade.RunPendingHooks(ctx, db)
	if err != nil {
		return fmt.Errorf("data hooks: %w", err)
	}
	slog.Info("upgrade.hooks_applied", "count", count)
	return nil
}

// checkSchemaOrAutoUpgrade gates serve startup on schema compatibility. With
// REPLYDESK_AUTO_UPGRADE=true an outdated schema is upgraded in place.
func checkSchemaOrAutoUpgrade(dsn string) error {
	ctx := context.Background()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("schema check: connect: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if s.Compatible {
		slog.Info("schema check passed", "current", s.CurrentVersion, "required", s.RequiredVersion)
		return nil
	}
	if !errors.Is(s.Err(), upgrade.ErrSchemaOutdated) || os.Getenv("REPLYDESK_AUTO_UPGRADE") != "true" {
		return fmt.Errorf("%w\n%s", s.Err(), upgrade.FormatError(s))
	}

	slog.Info("auto-upgrade: applying migrations", "from", s.CurrentVersion, "to", s.RequiredVersion)
	return applyUpgrade(ctx, dsn, db, s)
}

