// Package sqlite implements the persistence layer for credentials, sessions,
// and the usage log on a single SQLite database file.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/relay/internal/credential"
	"github.com/zjrosen/relay/internal/log"
	"github.com/zjrosen/relay/internal/sessions/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite connection and hands out repositories.
type DB struct {
	conn *sql.DB
	path string

	// lastWrite is the UnixNano instant of the most recent write issued
	// through this handle. The serve loop reads it to attribute file
	// watcher pulses to our own writes versus external tools.
	lastWrite atomic.Int64
}

// NewDB opens (creating if needed) the database at path, applies PRAGMAs,
// and runs any pending migrations. An existing file is backed up to
// path+".bak" before migrations touch it.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database ready", "path", path)
	return db, nil
}

// migrate runs embedded migrations to the latest version.
func (d *DB) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(d.conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// backupFile copies src to dst, replacing any previous backup.
func backupFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- path comes from our own config
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// noteWrite stamps the instant of a write issued through this handle.
func (d *DB) noteWrite() {
	d.lastWrite.Store(time.Now().UnixNano())
}

// LastWrite returns when this process last wrote through the handle, or the
// zero-nanosecond epoch instant if it never has.
func (d *DB) LastWrite() time.Time {
	return time.Unix(0, d.lastWrite.Load())
}

// Connection returns the underlying *sql.DB.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Path returns the database file location.
func (d *DB) Path() string {
	return d.path
}

// SessionRepository returns the session persistence implementation.
func (d *DB) SessionRepository() domain.SessionRepository {
	return newSessionRepository(d)
}

// CredentialRepository returns the credential persistence implementation.
func (d *DB) CredentialRepository() credential.Repository {
	return newCredentialRepository(d)
}

// UsageRepository returns the usage log persistence implementation.
func (d *DB) UsageRepository() credential.UsageRepository {
	return newUsageRepository(d)
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}
