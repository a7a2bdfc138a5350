package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"credit_ledger/internal/pricing"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Cache for model prices, read on every usage charge
	priceCache *LRUCache[pricing.Price]
}

// DBConfig holds database configuration
type DBConfig struct {
	// URL is a lib/pq connection string or postgres:// URL
	URL string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Cache settings
	PriceCacheSize int
	PriceCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		URL: "postgres://postgres@localhost:5432/credit_ledger?sslmode=disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		PriceCacheSize: 500,
		PriceCacheTTL:  1 * time.Minute,
	}
}

// NewDB connects to Postgres and configures the pool
func NewDB(cfg DBConfig) (*DB, error) {
	conn, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return NewDBFromConn(conn, cfg), nil
}

// NewDBFromConn wraps an existing connection, e.g. one backed by sqlmock
func NewDBFromConn(conn *sqlx.DB, cfg DBConfig) *DB {
	return &DB{
		conn:       conn,
		priceCache: NewLRUCache[pricing.Price](cfg.PriceCacheSize, cfg.PriceCacheTTL),
	}
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.priceCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats are pool and cache statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration

	PriceCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		PriceCacheStats: db.priceCache.GetStats(),
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// CleanupExpiredCacheEntries removes expired entries from all caches.
// Should be called periodically (e.g., every minute)
func (db *DB) CleanupExpiredCacheEntries() int {
	return db.priceCache.CleanupExpired()
}

// Repository factory methods

// NewLedgerStore creates the Postgres ledger store
func (db *DB) NewLedgerStore() *PostgresStore {
	return NewPostgresStore(db)
}

// NewPriceRepository creates a new price repository
func (db *DB) NewPriceRepository() *PriceRepository {
	return NewPriceRepository(db)
}

// NewUsageEventRepository creates a new raw usage event repository
func (db *DB) NewUsageEventRepository() *UsageEventRepository {
	return NewUsageEventRepository(db)
}

// NewIdentityRepository creates a new identity link repository
func (db *DB) NewIdentityRepository() *IdentityRepository {
	return NewIdentityRepository(db)
}
