package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rpattn/treedb/internal/db"
)

// Config is the full application configuration.
type Config struct {
	Database db.Config    `mapstructure:"database"`
	Blob     BlobConfig   `mapstructure:"blob"`
	Export   ExportConfig `mapstructure:"export"`
	Cache    CacheConfig  `mapstructure:"cache"`
	Lock     LockConfig   `mapstructure:"lock"`
}

type BlobConfig struct {
	// Dir is the badger directory. Empty means in-memory.
	Dir string `mapstructure:"dir"`
}

type ExportConfig struct {
	Dir      string `mapstructure:"dir"`
	PageSize int    `mapstructure:"page_size" validate:"gte=0"`
}

type CacheConfig struct {
	// SpillBytes is the payload size above which cache entries move to
	// the blob store. Zero keeps everything inline.
	SpillBytes int           `mapstructure:"spill_bytes" validate:"gte=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// Load reads config.yaml from configPath, applies env overrides with
// the TREEDB prefix (TREEDB_DATABASE_HOST and so on), and validates the
// result.
func Load(configPath string) (Config, error) {
	cfg := Config{
		Database: db.DefaultConfig(),
		Export:   ExportConfig{PageSize: 1000},
		Cache:    CacheConfig{TTL: 24 * time.Hour},
		Lock:     LockConfig{TTL: 30 * time.Second},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("TREEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("blob.dir")
	v.BindEnv("export.dir")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("[config] no config.yaml found, using defaults and env vars")
	} else {
		log.Printf("[config] loaded %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
