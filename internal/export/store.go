package export

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/IMAGE-ET/Orthanc-2/config"
)

// ConfigStore persists DestinationConfig rows, grounded on the
// teacher's ossConfigService (internal/service/oss_config_service.go)
// but pared to what the exporter needs: create, list active, activate.
// It opens its own connection to the same database file as the Index
// Database rather than reusing internal/index's private handle, which
// keeps this package's coupling to the core at zero import-time
// dependency (SPEC_FULL.md §C).
type ConfigStore struct {
	db *gorm.DB
}

// OpenConfigStore connects to cfg's database and migrates the
// DestinationConfig table.
func OpenConfigStore(cfg config.DatabaseConfig) (*ConfigStore, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to export config database: %w", err)
	}
	if err := db.AutoMigrate(&DestinationConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate export config schema: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

// Create inserts a new destination configuration.
func (s *ConfigStore) Create(cfg *DestinationConfig) error {
	return s.db.Create(cfg).Error
}

// ActiveDestination returns the currently active configuration, if
// any.
func (s *ConfigStore) ActiveDestination() (DestinationConfig, bool, error) {
	var cfg DestinationConfig
	err := s.db.Where("is_active = ?", true).First(&cfg).Error
	if err == gorm.ErrRecordNotFound {
		return DestinationConfig{}, false, nil
	}
	if err != nil {
		return DestinationConfig{}, false, err
	}
	return cfg, true, nil
}

// Activate marks id as the sole active configuration, deactivating
// every other row first (mirrors the teacher's ActivateOSSConfig: only
// one configuration is active at a time).
func (s *ConfigStore) Activate(id uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DestinationConfig{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&DestinationConfig{}).Where("id = ?", id).Update("is_active", true).Error
	})
}
