// Package store keeps the local index of pulled images in SQLite. A record
// appears only after a pull fully finalized; the blob cache and rootfs on
// disk remain the source of truth for content.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// NewDB opens (creating if needed) the image index database.
func NewDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	return db, nil
}

// InitSchema applies the embedded schema.
func InitSchema(ctx context.Context, db *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("read migration file: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	return nil
}
