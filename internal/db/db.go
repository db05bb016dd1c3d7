// Package db opens the workspace SQLite database.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const dbFile = "signoff.db"

// Config selects the workspace whose database to open.
type Config struct {
	Workspace string
}

// Pragmas applied on every connection. busy_timeout keeps concurrent writers
// from failing immediately on SQLITE_BUSY; foreign keys are off by default in
// SQLite and the schema relies on them.
var pragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// EnsureWorkspace creates the workspace's .signoff directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, ".signoff")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".signoff", dbFile)
}

func dsn(path string) string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	b.WriteString("?cache=shared")
	for _, p := range pragmas {
		b.WriteString("&_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Open opens the workspace database, creating the workspace directory as
// needed. Callers run migrate.Migrate on the handle before use.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}
