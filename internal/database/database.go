package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/vacho/socially/internal/config"
	"github.com/vacho/socially/internal/logging"
	"github.com/vacho/socially/internal/posts"
	"github.com/vacho/socially/internal/relations"
	"github.com/vacho/socially/internal/users"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	sqlitePragmas       = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqliteMemoryPragmas = "_pragma=foreign_keys(1)"
	slowQueryThreshold  = 500 * time.Millisecond
	connMaxLifetime     = time.Hour
	healthcheckTimeout  = 5 * time.Second
)

var errClientClosed = errors.New("database client closed")

// Options extends the driver configuration with process-level settings.
type Options struct {
	Config      config.DatabaseConfig
	Environment string
	LogLevel    string
}

// Client owns the process-wide database handle. The handle is opened on first use and shared by every
// caller afterwards; a failed open is remembered and returned to every caller.
type Client struct {
	options Options
	logger  *zap.Logger

	once   sync.Once
	mu     sync.Mutex
	db     *gorm.DB
	err    error
	closed bool
}

// NewClient returns a client that opens the database lazily.
func NewClient(options Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{options: options, logger: logger}
}

// DB returns the shared handle, opening and migrating the database on the first call.
func (c *Client) DB() (*gorm.DB, error) {
	c.once.Do(func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.err = errClientClosed
			return
		}
		db, err := Open(c.options, c.logger)
		c.mu.Lock()
		c.db, c.err = db, err
		c.mu.Unlock()
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	return c.db, c.err
}

// Ping verifies the shared handle can reach the store.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.DB()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}

// Close releases the connection pool. Later DB calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := dialectorFor(options.Config)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger, options),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if options.Config.Driver == config.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if options.Config.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(options.Config.MaxOpenConns)
		}
		if options.Config.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(options.Config.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", options.Config.Driver))
	return db, nil
}

// Migrate applies pending data repairs and then creates or updates the schema.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := applyMigrations(db, logger); err != nil {
		return fmt.Errorf("failed to apply data migrations: %w", err)
	}
	if err := db.AutoMigrate(
		&users.User{},
		&posts.Post{},
		&relations.Follow{},
		&relations.Notification{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		return sqlite.Open(withSQLitePragmas(path)), nil
	case config.DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func withSQLitePragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	pragmas := sqlitePragmas
	if strings.Contains(path, "mode=memory") || path == ":memory:" {
		// In-memory stores still enforce foreign keys; WAL does not apply to them.
		pragmas = sqliteMemoryPragmas
		if path == ":memory:" {
			path = "file::memory:"
		}
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + pragmas
}

// zapWriter adapts zap.Logger to the gorm logger.Writer interface.
type zapWriter struct {
	logger *zap.Logger
}

func (w *zapWriter) Printf(format string, args ...interface{}) {
	w.logger.Sugar().Infof(format, args...)
}

func newGormLogger(logger *zap.Logger, options Options) gormlogger.Interface {
	level := gormlogger.Warn
	if logging.IsProduction(options.Environment) {
		level = gormlogger.Error
	} else if strings.EqualFold(strings.TrimSpace(options.LogLevel), "debug") {
		level = gormlogger.Info
	}
	return gormlogger.New(
		&zapWriter{logger: logger.Named("gorm")},
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
