// Package migrate applies the embedded schema migrations.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"embed"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// step is one numbered .sql file, named NNN_description.sql.
type step struct {
	version int
	name    string
	sql     string
}

func versionOf(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
	}
	return v, nil
}

// Migrate brings the database up to the newest embedded schema version.
// All pending steps run inside one transaction, so a failing step leaves
// the schema at the version it had before the call.
func Migrate(db *sql.DB) error {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return err
	}
	var steps []step
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		v, err := versionOf(e.Name())
		if err != nil {
			return err
		}
		body, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return err
		}
		steps = append(steps, step{version: v, name: e.Name(), sql: string(body)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations(
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.sql); err != nil {
			return fmt.Errorf("apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, s.version); err != nil {
			return fmt.Errorf("record %s: %w", s.name, err)
		}
	}
	return tx.Commit()
}
