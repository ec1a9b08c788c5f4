package index

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/IMAGE-ET/Orthanc-2/config"
)

// SchemaVersion is stored as a GlobalProperty and bumped whenever the
// model set changes in a way that requires a migration step beyond
// AutoMigrate (spec.md §6, "versioned upgrades required").
const SchemaVersion = "1"

const globalPropertySchemaVersion = "schema_version"

// openGORM opens the embedded relational database connection. SQLite
// is configured for WAL + a single connection, exactly as the teacher
// does it, because the engine does not support concurrent writers
// (spec.md §4.2, §5).
func openGORM(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	dsn := cfg.DSN + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// A single exclusive writer (spec.md §5): SQLite does not allow
	// genuinely concurrent writers, so we cap the pool at one
	// connection and serialize writes ourselves via Database.mu.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 3600
	}
	sqlDB.SetConnMaxLifetime(time.Duration(lifetime) * time.Second)

	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate index schema: %w", err)
	}

	if err := ensureSchemaVersion(db); err != nil {
		return nil, err
	}

	return db, nil
}

func ensureSchemaVersion(db *gorm.DB) error {
	var prop GlobalProperty
	err := db.Where("key = ?", globalPropertySchemaVersion).First(&prop).Error
	if err == gorm.ErrRecordNotFound {
		return db.Create(&GlobalProperty{Key: globalPropertySchemaVersion, Value: SchemaVersion}).Error
	}
	return err
}
