package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/vidforge/vidforge-backend/internal/platform/envutil"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// Config selects the store root and pool bounds. One database holds every
// table; the driver is either sqlite (single file, the default) or postgres.
type Config struct {
	Driver string

	// sqlite
	Path string

	// postgres
	Host     string
	Port     string
	User     string
	Password string
	Name     string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func LoadConfig() Config {
	return Config{
		Driver:          strings.ToLower(envutil.String("DB_DRIVER", "sqlite")),
		Path:            envutil.String("DB_PATH", "vidforge.db"),
		Host:            envutil.String("POSTGRES_HOST", "localhost"),
		Port:            envutil.String("POSTGRES_PORT", "5432"),
		User:            envutil.String("POSTGRES_USER", "postgres"),
		Password:        envutil.String("POSTGRES_PASSWORD", ""),
		Name:            envutil.String("POSTGRES_NAME", "vidforge"),
		MaxOpenConns:    envutil.Int("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envutil.Int("DB_MAX_IDLE_CONNS", 5),
		ConnMaxIdleTime: envutil.DurationMS("DB_CONN_MAX_IDLE_MS", time.Minute),
		ConnMaxLifetime: envutil.DurationMS("DB_CONN_MAX_LIFE_MS", 30*time.Minute),
	}
}

// Open connects to the configured store and tunes the shared pool.
// PrepareStmt keeps a prepared-statement cache so the hot claim/transition
// statements are parsed once.
func Open(cfg Config, logg *logger.Logger) (*gorm.DB, error) {
	serviceLog := logg.With("component", "DB")

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormCfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              true,
		Logger:                                   gormLog,
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name,
		)
		conn, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite", "":
		conn, err = gorm.Open(sqlite.Open(sqliteDSN(cfg.Path)), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver != "postgres" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		// churn under concurrent claims.
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	serviceLog.Info("Store opened", "driver", cfg.Driver, "max_open_conns", maxOpen)
	return conn, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "vidforge.db"
	}
	if strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory") {
		return path
	}
	// WAL keeps readers unblocked during the claim transaction;
	// busy_timeout covers the remaining writer contention.
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// IsPostgres reports whether the dialect supports FOR UPDATE SKIP LOCKED.
func IsPostgres(conn *gorm.DB) bool {
	return conn != nil && conn.Dialector != nil && conn.Dialector.Name() == "postgres"
}
