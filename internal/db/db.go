package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/model"
)

// Init opens the configured database and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dbLog := log.WithComponent("db")

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger(cfg.LogQueries),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	dbLog.Info().Str("driver", cfg.Driver).Msg("Running database migrations...")
	if err := Migrate(db); err != nil {
		return nil, err
	}

	dbLog.Info().Msg("Database initialization complete.")
	return db, nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "":
		if dir := filepath.Dir(cfg.DSN); dir != "." && !isMemoryDSN(cfg.DSN) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

func gormLogger(verbose bool) logger.Interface {
	if verbose {
		return logger.Default.LogMode(logger.Info)
	}
	return logger.Default.LogMode(logger.Silent)
}

// activeRowIndexes back the one-active-session and one-lead invariants at
// the storage level.
var activeRowIndexes = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_session ON machine_sessions (machine_id, user_id) WHERE logout_time IS NULL",
	"CREATE UNIQUE INDEX IF NOT EXISTS uniq_active_lead_session ON machine_sessions (machine_id) WHERE logout_time IS NULL AND is_lead = true",
	"CREATE UNIQUE INDEX IF NOT EXISTS uniq_open_lead_history ON lead_operator_histories (machine_id) WHERE removed_time IS NULL",
}

// Migrate creates or updates the schema. Tests run it against in-memory
// sqlite.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Area{},
		&model.Zone{},
		&model.Node{},
		&model.Machine{},
		&model.User{},
		&model.MachineAuthorization{},
		&model.MachineSession{},
		&model.LeadOperatorHistory{},
		&model.SyncEvent{},
		&model.Alert{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	for _, ddl := range activeRowIndexes {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
