package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBPath = ".concierge/concierge.db"

type Config struct {
	// Path is the database file; relative paths resolve against Workspace.
	Path      string
	Workspace string
}

func (c Config) resolved() string {
	p := c.Path
	if p == "" {
		p = defaultDBPath
	}
	if filepath.IsAbs(p) {
		return p
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// EnsureDir creates the directory holding the database file if missing.
func EnsureDir(cfg Config) (string, error) {
	dir := filepath.Dir(cfg.resolved())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys on. Writes are funnelled
// through a single connection so order-index transactions never interleave.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.resolved())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the resolved db path.
func Path(cfg Config) string {
	return cfg.resolved()
}
