package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Client wraps the shared GORM connection.
type Client struct {
	mu     sync.RWMutex
	conn   *gorm.DB
	cfg    config.DBConfig
	logg   *logger.Logger
	opener func() (*gorm.DB, error)
}

// Pinger exposes the health check surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New boots a GORM client using the provided configuration.
func New(ctx context.Context, cfg config.DBConfig, logg *logger.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	return NewWithOpener(ctx, cfg, logg, func() (*gorm.DB, error) { return open(cfg) })
}

// NewWithOpener builds a client whose connections come from opener.
// Reinitialize calls opener again when the pool cannot be recovered.
func NewWithOpener(ctx context.Context, cfg config.DBConfig, logg *logger.Logger, opener func() (*gorm.DB, error)) (*Client, error) {
	if opener == nil {
		return nil, fmt.Errorf("database opener is required")
	}
	conn, err := opener()
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, cfg: cfg, logg: logg, opener: opener}

	if logg != nil {
		logg.Info(ctx, "database connection established")
	}
	return c, nil
}

// NewFromConn wraps an already opened connection, used by tests and tools.
func NewFromConn(conn *gorm.DB, cfg config.DBConfig) *Client {
	return &Client{conn: conn, cfg: cfg}
}

func open(cfg config.DBConfig) (*gorm.DB, error) {
	dialector := postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	})

	gormLogger := gormlogger.New(
		log.New(io.Discard, "", log.LstdFlags),
		gormlogger.Config{LogLevel: gormlogger.Silent},
	)

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}

	applyPoolSettings(sqlDB, cfg)
	return conn, nil
}

func applyPoolSettings(sqlDB *sql.DB, cfg config.DBConfig) {
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// DB returns the underlying GORM connection.
func (c *Client) DB() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Ping verifies the datasource is reachable.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close shuts down the pooled connections.
func (c *Client) Close() error {
	sqlDB, err := c.DB().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Reinitialize pings the pool and, when the ping fails, drains idle
// connections so the next statement dials fresh ones. If draining is not
// enough the pool is reopened.
func (c *Client) Reinitialize(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	if err := c.Ping(pingCtx); err == nil {
		return nil
	}

	sqlDB, err := c.DB().DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(0)
	applyPoolSettings(sqlDB, c.cfg)

	retryCtx, cancelRetry := context.WithTimeout(ctx, c.connectTimeout())
	defer cancelRetry()
	if err := sqlDB.PingContext(retryCtx); err == nil {
		c.logInfo(ctx, "database pool drained and reconnected")
		return nil
	}

	if c.opener == nil {
		return fmt.Errorf("database unreachable and no opener configured")
	}
	fresh, err := c.opener()
	if err != nil {
		return fmt.Errorf("reopening db connection: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = fresh
	c.mu.Unlock()

	if oldDB, err := old.DB(); err == nil {
		_ = oldDB.Close()
	}
	c.logInfo(ctx, "database connection reopened")
	return nil
}

// WithTx executes fn inside a transaction, rolling back on error/panic.
func (c *Client) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := c.DB().WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// WithRetryTx runs fn in a transaction bounded by the configured transaction
// timeout and retries the whole transaction on transient driver failures.
// Typed domain errors and validation failures are returned immediately.
func (c *Client) WithRetryTx(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := c.cfg.RetryBaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := c.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	backoff := retry.NewExponential(base)
	backoff = retry.WithCappedDuration(maxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.runTimedTx(ctx, fn)
		if err == nil {
			return nil
		}

		if pkgerrors.As(err) != nil {
			return err
		}
		class := pkgerrors.Classify(err)
		if !class.CanRetry || class.Type == pkgerrors.TypeUnknown {
			return err
		}
		if class.IsConnection() {
			if reinitErr := c.Reinitialize(ctx); reinitErr != nil {
				c.logWarn(ctx, fmt.Sprintf("tx %s reinitialize failed: %v", name, reinitErr))
			}
		}
		c.logWarn(ctx, fmt.Sprintf("tx %s attempt %d failed (%s): %v", name, attempt, class.Type, err))
		return retry.RetryableError(err)
	})
}

func (c *Client) runTimedTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if c.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TxTimeout)
		defer cancel()
	}
	return c.WithTx(ctx, fn)
}

func (c *Client) connectTimeout() time.Duration {
	if c.cfg.ConnectTimeout > 0 {
		return c.cfg.ConnectTimeout
	}
	return 10 * time.Second
}

func (c *Client) logInfo(ctx context.Context, msg string) {
	if c.logg != nil {
		c.logg.Info(ctx, msg)
	}
}

func (c *Client) logWarn(ctx context.Context, msg string) {
	if c.logg != nil {
		c.logg.Warn(ctx, msg)
	}
}
