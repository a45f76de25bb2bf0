// Package db locates and opens the workspace-local SQLite database. All
// workspace state lives in a single file under .actionline/ so a workspace
// can be backed up or discarded by copying or deleting that directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dataDir  = ".actionline"
	dataFile = "actionline.db"
)

type Config struct {
	Workspace string
}

// Path returns the database file path for a workspace. An empty workspace
// means the current directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dataDir, dataFile)
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, dataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the data directory exists and opens the database with foreign
// key enforcement on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
