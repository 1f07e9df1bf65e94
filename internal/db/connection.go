package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// driverName is the database/sql driver registered by pgx's stdlib package.
const driverName = "pgx"

// Config holds database configuration
type Config struct {
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	User             string        `mapstructure:"user" validate:"required"`
	Password         string        `mapstructure:"password"`
	DBName           string        `mapstructure:"dbname" validate:"required"`
	SSLMode          string        `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns         int32         `mapstructure:"max_conns" validate:"min=1"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// DSN renders the libpq connection string.
func (c Config) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
	if c.StatementTimeout > 0 {
		dsn += " statement_timeout=" + strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return dsn
}

// URL renders the connection as a URL for tools that need one.
func (c Config) URL(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s", scheme, c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// Connection wraps the database connection pool
type Connection struct {
	Pool *pgxpool.Pool
	DB   *sqlx.DB
	log  *logrus.Entry
}

// NewConnection creates a new database connection
func NewConnection(ctx context.Context, config Config, log *logrus.Entry) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure pool settings - more conservative to avoid connection issues
	poolConfig.MaxConns = 5
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Minute * 30
	poolConfig.MaxConnIdleTime = time.Minute * 5
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn := NewFromDB(stdlib.OpenDBFromPool(pool), log)
	conn.Pool = pool
	return conn, nil
}

// NewFromDB wraps an already opened *sql.DB.
func NewFromDB(sqlDB *sql.DB, log *logrus.Entry) *Connection {
	if log == nil {
		log = nopLogger()
	}
	return &Connection{DB: sqlx.NewDb(sqlDB, driverName), log: log}
}

// Ping checks that the database is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (c *Connection) Close() {
	if c.DB != nil {
		_ = c.DB.Close()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// WithTx executes a function within a database transaction
func (c *Connection) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if err := tx.Rollback(); err != nil {
				c.log.WithError(err).Error("failed to rollback transaction")
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             5432,
		User:             "postgres",
		Password:         "postgres",
		DBName:           "urban",
		SSLMode:          "disable",
		MaxConns:         5,
		StatementTimeout: 30 * time.Second,
	}
}

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
