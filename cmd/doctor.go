package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replydesk/internal/buffer"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/maintenance"
	"github.com/nextlevelbuilder/replydesk/internal/upgrade"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and dependency health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("replydesk doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  %s\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Storage:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-14s managed (postgres)\n", "Mode:")
		checkPostgres(ctx, cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-14s standalone (memory + sqlite %s)\n", "Mode:", config.ExpandHome(cfg.Database.SQLitePath))
	}
	if cfg.Buffer.Store == "redis" {
		checkRedis(ctx, cfg)
	} else {
		fmt.Printf("    %-14s memory (single process only)\n", "Buffer:")
	}

	fmt.Println()
	fmt.Println("  Collaborators:")
	checkSecret("Completion", cfg.Providers.Completion.APIBase, cfg.Providers.Completion.APIKey)
	p := cfg.Providers
	for _, s := range []struct {
		name string
		svc  config.ServiceConfig
	}{
		{"Transcription", p.Transcription},
		{"Knowledge", p.Knowledge},
		{"Prompt", p.Prompt},
		{"Intent", p.Intent},
		{"Personality", p.PersonalityPrimary},
		{"Personality 2", p.PersonalityFallback},
		{"Notify", p.Notify},
	} {
		checkSecret(s.name, s.svc.URL, s.svc.APIKey)
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	checkSecret("Evolution", cfg.Evolution.BaseURL, cfg.Evolution.APIKey)
	if cfg.Evolution.WebsocketURL != "" {
		fmt.Printf("    %-14s %s (%d instances)\n", "Feed:", cfg.Evolution.WebsocketURL, len(cfg.Evolution.Instances))
	}
	fmt.Printf("    %-14s %d\n", "Instances:", len(cfg.Instances))

	fmt.Println()
	if cfg.Maintenance.Enabled() {
		if sched, err := maintenance.New(cfg.Maintenance.Schedule); err != nil {
			fmt.Printf("  Maintenance: %s\n", err)
		} else if next, err := sched.Next(time.Now()); err == nil {
			fmt.Printf("  Maintenance: %q (next run %s)\n", cfg.Maintenance.Schedule, next.Format(time.RFC3339))
		}
	} else {
		fmt.Println("  Maintenance: off")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(ctx context.Context, dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-14s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-14s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-14s v%d (DIRTY, run: replydesk migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-14s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-14s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-14s v%d (upgrade needed, run: replydesk upgrade)\n", "Schema:", s.CurrentVersion)
	}

	if pending, err := upgrade.PendingHooks(ctx, db); err == nil {
		fmt.Printf("    %-14s %d pending\n", "Data hooks:", len(pending))
	}
}

func checkRedis(ctx context.Context, cfg *config.Config) {
	rdb, err := buffer.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		fmt.Printf("    %-14s redis INVALID (%s)\n", "Buffer:", err)
		return
	}
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Printf("    %-14s redis %s UNREACHABLE (%s)\n", "Buffer:", cfg.Redis.Addr, err)
		return
	}
	fmt.Printf("    %-14s redis %s (OK)\n", "Buffer:", cfg.Redis.Addr)
}

func checkSecret(name, url, key string) {
	if url == "" {
		fmt.Printf("    %-14s (not configured)\n", name+":")
		return
	}
	fmt.Printf("    %-14s %s key=%s\n", name+":", url, maskKey(key))
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "(none)"
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
