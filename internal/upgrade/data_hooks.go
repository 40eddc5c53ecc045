package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DataHookFunc runs once after the SQL migration for its schema version.
type DataHookFunc func(ctx context.Context, db *sql.DB) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
}

var registry []dataHook

// RegisterDataHook adds a hook. Names must be unique; hooks run in registration order.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	registry = append(registry, dataHook{version: schemaVersion, name: name, fn: fn})
}

// PendingHooks lists hooks not yet recorded in data_migrations.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, h := range registry {
		if !applied[h.name] {
			pending = append(pending, h.name)
		}
	}
	return pending, nil
}

// RunPendingHooks executes hooks whose schema version is already migrated
// and records each in data_migrations. Returns how many ran.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}
	status, err := CheckSchema(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, h := range registry {
		if applied[h.name] || h.version > status.CurrentVersion {
			continue
		}
		slog.Info("upgrade.hook.start", "name", h.name, "schema_version", h.version)
		start := time.Now()

		if err := h.fn(ctx, db); err != nil {
			return ran, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, NOW())`,
			h.name, h.version,
		); err != nil {
			return ran, fmt.Errorf("record hook %q: %w", h.name, err)
		}

		slog.Info("upgrade.hook.done", "name", h.name, "duration", time.Since(start))
		ran++
	}
	return ran, nil
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       TEXT PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM data_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
