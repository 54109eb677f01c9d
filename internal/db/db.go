// Package db manages the persistent store of the BBS: connection handling,
// embedded migrations, the relational rendition of the object graph, and
// the single-writer transaction discipline every handler follows. It
// supports SQLite (via the modernc pure-Go driver, no CGO required) as the
// embedded backend and PostgreSQL as the client-server backend; in the
// latter mode the server address is published to zeo-address.txt so
// sidecar processes (the HTTP façade, the admin CLI) can attach.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AddressFileName is the conventional name of the file carrying the
// client-server store address.
const AddressFileName = "zeo-address.txt"

// Config holds what Open needs to bring the store up. Driver defaults to
// "sqlite" when empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel

	// AddressFile, when non-empty and Driver is "postgres", receives the
	// host:port of the store server on startup.
	AddressFile string

	// Address is the host:port written to AddressFile.
	Address string
}

// Store wraps the database handle with the transaction discipline the rest
// of the system relies on. Open and Close are idempotent and safe for
// concurrent use.
type Store struct {
	gorm   *gorm.DB
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Open connects to the configured backend, applies pending migrations, and
// returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open the connection manually via database/sql using the modernc
		// driver (registered as "sqlite"), then hand the existing *sql.DB to
		// GORM so it does not try to open a second connection with go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("db: open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("db: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

		if cfg.AddressFile != "" {
			if err := WriteAddressFile(cfg.AddressFile, cfg.Address); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}

	return &Store{gorm: database, logger: cfg.Logger.Named("store")}, nil
}

// DB exposes the underlying handle for read-only queries that do not need
// a transaction. Mutating paths go through Transaction.
func (s *Store) DB() *gorm.DB { return s.gorm }

// Transaction runs fn inside one transaction: commit on nil return, abort
// on error. Nested calls are not supported — the store has exactly one
// writer and handlers hold at most one transaction at a time. A transient
// conflict (SQLite busy, PostgreSQL serialization failure) is retried
// once before surfacing.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.gorm.WithContext(ctx).Transaction(fn)
	if err != nil && isTransientConflict(err) {
		s.logger.Warn("transient store conflict, retrying transaction", zap.Error(err))
		err = s.gorm.WithContext(ctx).Transaction(fn)
	}
	return err
}

// Ping verifies that the backend is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.gorm.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	sqlDB, err := s.gorm.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// isTransientConflict reports whether err is worth one retry: a lock the
// other front-end held briefly, not a logic error.
func isTransientConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || // SQLite
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLSTATE 40001") // PostgreSQL serialization failure
}

// WriteAddressFile publishes the store server address as "host:port\n".
func WriteAddressFile(path, address string) error {
	if address == "" {
		return fmt.Errorf("db: address required for address file %s", path)
	}
	if err := os.WriteFile(path, []byte(address+"\n"), 0o644); err != nil {
		return fmt.Errorf("db: write address file: %w", err)
	}
	return nil
}

// ReadAddressFile reads a host:port published by WriteAddressFile.
func ReadAddressFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("db: read address file: %w", err)
	}
	addr := strings.TrimSpace(string(raw))
	if addr == "" {
		return "", fmt.Errorf("db: address file %s is empty", path)
	}
	return addr, nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Info("database migrations applied")
	return nil
}
