package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig configures the SQL audit store.
type StoreConfig struct {
	Driver      string // "sqlite" (default) or "postgres".
	Path        string // SQLite database file.
	JournalMode string // SQLite journal mode. Default: wal.
	DSN         string // PostgreSQL connection string.

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
}

func (c StoreConfig) driver() string {
	if c.Driver == "" {
		return DriverSQLite
	}
	return c.Driver
}

func (c StoreConfig) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c StoreConfig) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c StoreConfig) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (c StoreConfig) maxIdleTime() time.Duration {
	if c.ConnMaxIdleTime > 0 {
		return c.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// Store persists audit records in SQL. Append-only: no update or delete
// methods exist on this type.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// OpenStore connects to the configured database and migrates the audit tables.
func OpenStore(cfg StoreConfig, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gcfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.driver() {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, errors.New("sqlite path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		journalMode := cfg.JournalMode
		if journalMode == "" {
			journalMode = "wal"
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journalMode)
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		slogger.Info("audit store opened", slog.String("driver", DriverSQLite), slog.String("path", cfg.Path))
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres dsn is required")
		}
		gcfg.PrepareStmt = true
		db, err = gorm.Open(postgres.New(postgres.Config{DriverName: "pgx", DSN: cfg.DSN}), gcfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpen())
		sqlDB.SetMaxIdleConns(cfg.maxIdle())
		sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
		sqlDB.SetConnMaxIdleTime(cfg.maxIdleTime())
		slogger.Info("audit store opened",
			slog.String("driver", DriverPostgres),
			slog.Int("max_open_conns", cfg.maxOpen()),
			slog.Int("max_idle_conns", cfg.maxIdle()),
		)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(&AttemptModel{}, &OutcomeModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating audit tables: %w", err)
	}
	return &Store{db: db, driver: cfg.driver(), logger: slogger}, nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// Write inserts r into the table for its type.
func (s *Store) Write(ctx context.Context, r Record) error {
	var model any
	switch r.Type {
	case TypeAttempt:
		model = toAttemptModel(r)
	case TypeOutcome:
		model = toOutcomeModel(r)
	default:
		return fmt.Errorf("unknown audit record type %q", r.Type)
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("appending audit %s: %w", r.Type, err)
	}
	return nil
}

// Query filters stored records. Zero fields match everything.
type Query struct {
	ChainID string
	Tool    string
	Limit   int // Default: 100
}

func (q Query) apply(db *gorm.DB) *gorm.DB {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if q.ChainID != "" {
		db = db.Where("chain_id = ?", q.ChainID)
	}
	if q.Tool != "" {
		db = db.Where("tool = ?", q.Tool)
	}
	return db.Limit(limit)
}

// Attempts returns attempt records in chain order, oldest first.
func (s *Store) Attempts(ctx context.Context, q Query) ([]Record, error) {
	var models []AttemptModel
	if err := q.apply(s.db.WithContext(ctx)).Order("created_at ASC").Order("attempt ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit attempts: %w", err)
	}
	out := make([]Record, len(models))
	for i := range models {
		out[i] = models[i].record()
	}
	return out, nil
}

// Outcomes returns outcome records, newest first.
func (s *Store) Outcomes(ctx context.Context, q Query) ([]Record, error) {
	var models []OutcomeModel
	if err := q.apply(s.db.WithContext(ctx)).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit outcomes: %w", err)
	}
	out := make([]Record, len(models))
	for i := range models {
		out[i] = models[i].record()
	}
	return out, nil
}

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
