package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Schema migrations ship inside the binary as numbered .sql files so a
// fresh deployment needs nothing beyond a reachable ClickHouse.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one ordered schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies pending schema migrations on startup. Applied versions
// are tracked in the schema_migrations table, so re-running is a no-op.
type Migrator struct {
	client *ClickHouseClient
}

func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run applies every embedded migration not yet recorded as applied, in
// version order. A failing statement aborts the run; already-applied
// versions stay recorded, so the run resumes where it stopped.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}

		slog.Info("applying schema migration", "version", mig.Version, "name", mig.Name)
		for _, stmt := range splitStatements(mig.SQL) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
			}
		}
		if err := m.markApplied(ctx, mig.Version, mig.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
	}

	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	return m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`)
}

// loadMigrations reads the embedded files, taking the version from the
// numeric filename prefix (001_create_events.sql applies as version 1).
// Files that do not follow the naming convention are skipped.
func (m *Migrator) loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		var version int
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%03d_%s", &version, &name); err != nil {
			continue
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, WrapQueryError("AppliedVersions", "schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, WrapQueryError("AppliedVersions", "schema_migrations", err)
		}
		applied[int(version)] = true
	}
	return applied, nil
}

func (m *Migrator) markApplied(ctx context.Context, version int, name string) error {
	return m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(version), name,
	)
}

// splitStatements splits a migration file on top-level semicolons, leaving
// semicolons inside quoted strings alone. Line comments stay attached to
// the statement that follows them.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for i, char := range sql {
		if !inString {
			if char == '\'' || char == '"' {
				inString = true
				stringChar = char
			} else if char == ';' {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
				continue
			}
		} else if char == stringChar {
			// Doubled quote escapes inside SQL strings.
			if i+1 < len(sql) && rune(sql[i+1]) == stringChar {
				current.WriteRune(char)
				continue
			}
			inString = false
		}
		current.WriteRune(char)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
