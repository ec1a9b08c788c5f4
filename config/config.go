// Package config loads the process configuration via viper, grounded
// on the teacher's config-struct-plus-nested-sections layout.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DatabaseConfig controls the embedded index database connection.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// StorageConfig controls the attachment store location.
type StorageConfig struct {
	StoragePath string `mapstructure:"storage_path"`
}

// ServerConfig controls the ambient HTTP front-end illustration.
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	EnableHTTPS  bool   `mapstructure:"enable_https"`
	EnableHTTP2  bool   `mapstructure:"enable_http2"`
	TLSCertFile  string `mapstructure:"tls_cert_file"`
	TLSKeyFile   string `mapstructure:"tls_key_file"`
}

// CoreConfig configures the Server Index + Storage Subsystem per
// spec.md §6 ("Environment and configuration").
type CoreConfig struct {
	MaxPatientCount        uint32 `mapstructure:"max_patient_count"`
	MaxStorageSize         uint64 `mapstructure:"max_storage_size"`
	CompressionEnabled     bool   `mapstructure:"compression_enabled"`
	StoreMD5ForAttachments bool   `mapstructure:"store_md5_for_attachments"`
	LimitFindResults       uint32 `mapstructure:"limit_find_results"`
	LimitFindInstances     uint32 `mapstructure:"limit_find_instances"`
}

// ExportDestinationConfig seeds an optional default export destination
// (see internal/export); empty Provider means no export is configured.
type ExportDestinationConfig struct {
	Provider  string `mapstructure:"provider"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
}

// Config is the top-level configuration value passed through the
// process, replacing any global/singleton configuration state.
type Config struct {
	Database DatabaseConfig          `mapstructure:"database"`
	Storage  StorageConfig           `mapstructure:"storage"`
	Server   ServerConfig            `mapstructure:"server"`
	Core     CoreConfig              `mapstructure:"core"`
	Export   ExportDestinationConfig `mapstructure:"export"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "orthanc-index.db")
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 3600)

	v.SetDefault("storage.storage_path", "orthanc-storage")

	v.SetDefault("server.port", 8042)
	v.SetDefault("server.read_timeout", 60)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.enable_https", false)
	v.SetDefault("server.enable_http2", false)

	v.SetDefault("core.max_patient_count", 0)
	v.SetDefault("core.max_storage_size", 0)
	v.SetDefault("core.compression_enabled", false)
	v.SetDefault("core.store_md5_for_attachments", true)
	v.SetDefault("core.limit_find_results", 100)
	v.SetDefault("core.limit_find_instances", 100)
}

// Load reads configuration from config.toml in . or ./config,
// falling back to defaults, and allows ORTHANC_-prefixed environment
// variables to override any key (e.g. ORTHANC_CORE_MAX_PATIENT_COUNT).
func Load() (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("orthanc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
