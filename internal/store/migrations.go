package store

import (
	"context"
	"database/sql"
	"embed"
	"sort"
	"strconv"
	"strings"

	"flowline/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migration is one versioned schema step, loaded from the embedded
// migrations directory. Files are named NNN_description.sql and applied in
// version order, each in its own transaction.
type migration struct {
	version int
	name    string
	script  string
}

// loadMigrations reads and orders the embedded migration scripts.
func loadMigrations() ([]migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "read embedded migrations").WithCause(err)
	}

	var out []migration
	for _, entry := range entries {
		file := entry.Name()
		if !strings.HasSuffix(file, ".sql") {
			continue
		}
		version, name, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}
		data, err := migrationFiles.ReadFile("migrations/" + file)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "read migration %s", file).WithCause(err)
		}
		out = append(out, migration{version: version, name: name, script: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func parseMigrationName(file string) (int, string, error) {
	base := strings.TrimSuffix(file, ".sql")
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return 0, "", schema.NewErrorf(schema.ErrCodeStore,
			"migration file %s is not named NNN_description.sql", file)
	}
	version, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, "", schema.NewErrorf(schema.ErrCodeStore,
			"migration file %s has no numeric version", file).WithCause(err)
	}
	return version, base[idx+1:], nil
}

// runMigrations applies any schema steps newer than the recorded version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return schema.NewError(schema.ErrCodeStore, "create schema_migrations").WithCause(err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return schema.NewError(schema.ErrCodeStore, "read schema_migrations").WithCause(err)
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}
	for _, m := range all {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin migration %d", m.version).WithCause(err)
	}
	for _, stmt := range sqlStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return schema.NewErrorf(schema.ErrCodeStore,
				"migration %d (%s)", m.version, m.name).WithCause(err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		_ = tx.Rollback()
		return schema.NewErrorf(schema.ErrCodeStore, "record migration %d", m.version).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit migration %d", m.version).WithCause(err)
	}
	return nil
}

// sqlStatements splits a script on semicolons, dropping blanks and
// comment-only fragments.
func sqlStatements(script string) []string {
	var out []string
	for _, raw := range strings.Split(script, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" || commentOnly(stmt) {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func commentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
