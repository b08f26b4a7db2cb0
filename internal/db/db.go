// Package db opens the workspace-local SQLite store.
//
// Every workspace keeps its state under a .crewline directory next to the
// project files, one database file per workspace.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".crewline"
	databaseFile = "crewline.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .crewline directory under workspace and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}
	return dir, nil
}

// Open ensures the workspace directory exists and opens its database.
// Foreign key enforcement is switched on through the DSN so every
// connection in the pool gets it.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", filepath.Join(dir, databaseFile))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", databaseFile, err)
	}
	return conn, nil
}
