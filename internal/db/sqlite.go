package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL mode allows many readers alongside the single writer.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write handle for a SQLite database. The file
// and its parent directory are created when missing so the read-only
// handle can open the same path afterwards.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(path); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&cache=shared&_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenSQLiteReader opens a read-only connection pool on the same
// database. journal_mode and synchronous are database-level settings
// already applied by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path := normalizeSQLitePath(dbPath)

	dsn := fmt.Sprintf(
		"file:%s?mode=ro&cache=shared&_foreign_keys=on&_busy_timeout=%d",
		path,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	conn, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)

	return conn, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
