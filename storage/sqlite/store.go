// Package sqlite provides the default on-device LocalStore, backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlstore"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const memoryDSN = ":memory:"

// Config holds configuration options for the SQLite store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Busy timeout of 5 seconds so concurrent writers wait instead of failing
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the path or URI of the database file.
	// Example: "file:storefront.db"
	DataSourceName string

	// EnableWAL appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// BusyTimeout is passed to SQLite as _busy_timeout. Default: 5s.
	BusyTimeout time.Duration

	// Logger is an optional logger. Defaults to the local-store component logger.
	Logger *slog.Logger

	// Connection pool settings. An in-memory database is always limited to a
	// single connection, since each connection would otherwise see its own
	// empty database.
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.ComponentStore).Logger
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.inMemory() {
		c.MaxOpenConns = 1
		c.MaxIdleConns = 1
		c.ConnMaxLifetime = 0
		c.ConnMaxIdleTime = 0
	}
}

func (c *Config) inMemory() bool {
	return strings.HasPrefix(c.DataSourceName, memoryDSN) || strings.Contains(c.DataSourceName, "mode=memory")
}

// dsn returns DataSourceName with the driver parameters appended.
func (c *Config) dsn() string {
	dsn := c.DataSourceName
	add := func(param string) {
		key := param[:strings.IndexByte(param, '=')+1]
		if strings.Contains(dsn, key) {
			return
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}
	if c.EnableWAL && !c.inMemory() {
		add("_journal_mode=WAL")
	}
	add(fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	return dsn
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(ctx context.Context, dataSourceName string) (*sqlstore.Store, error) {
	return New(ctx, DefaultConfig(dataSourceName))
}

// storageErr marks a failure to open the sqlite store as a local storage error.
func storageErr(err error) error {
	return syncErrors.Wrap(err, syncErrors.Operation("sqlite.New"), "storage/sqlite", syncErrors.KindLocalStorage)
}

// New opens the database described by config and prepares the schema.
func New(ctx context.Context, config *Config) (*sqlstore.Store, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("config cannot be nil"))
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("DataSourceName is required"))
	}

	logger := config.Logger
	logger.InfoContext(ctx, "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, storageErr(fmt.Errorf("failed to open sqlite database: %w", err))
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.DebugContext(ctx, "Connection pool configured",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
		slog.Duration("conn_max_idle_time", config.ConnMaxIdleTime),
	)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr(fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	store, err := sqlstore.New(ctx, db, sqlstore.SQLite, sqlstore.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, storageErr(fmt.Errorf("failed to setup database schema: %w", err))
	}

	logger.InfoContext(ctx, "SQLite store successfully initialized")
	return store, nil
}
