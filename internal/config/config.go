package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	User    UserConfig    `mapstructure:"user"`
	Storage StorageConfig `mapstructure:"storage"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// UserConfig identifies the signed-in user the session list is scoped to
type UserConfig struct {
	ID string `mapstructure:"id"`
}

// StorageConfig defines the local store backend
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig defines the remote store backend
type RemoteConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// SyncConfig defines synchronization behavior
type SyncConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	PullLimit     int    `mapstructure:"pull_limit"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	BaseDelay     string `mapstructure:"base_delay"`
	BatchYield    string `mapstructure:"batch_yield"`
	CycleInterval string `mapstructure:"cycle_interval"`
	PurgeMemory   int    `mapstructure:"purge_memory"`
}

// TrackerConfig defines lifecycle engine behavior
type TrackerConfig struct {
	GuardRelease string `mapstructure:"guard_release"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TRACKLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.path", defaultStoragePath())

	// Remote defaults
	v.SetDefault("remote.redis.host", "127.0.0.1")
	v.SetDefault("remote.redis.port", 6379)
	v.SetDefault("remote.redis.db", 0)
	v.SetDefault("remote.redis.pool_size", 10)
	v.SetDefault("remote.redis.min_idle_conns", 2)
	v.SetDefault("remote.redis.dial_timeout", "5s")
	v.SetDefault("remote.redis.read_timeout", "3s")
	v.SetDefault("remote.redis.write_timeout", "3s")

	// Sync defaults
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.pull_limit", 500)
	v.SetDefault("sync.max_attempts", 4)
	v.SetDefault("sync.base_delay", "500ms")
	v.SetDefault("sync.batch_yield", "10ms")
	v.SetDefault("sync.cycle_interval", "5m")
	v.SetDefault("sync.purge_memory", 512)

	// Tracker defaults
	v.SetDefault("tracker.guard_release", "300ms")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9465)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tracklet.bolt"
	}
	return filepath.Join(home, ".tracklet", "tracklet.bolt")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.User.ID == "" {
		return fmt.Errorf("user id is required")
	}

	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if cfg.Sync.BatchSize <= 0 || cfg.Sync.BatchSize > 20 {
		return fmt.Errorf("sync batch size must be in 1..20, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Sync.PullLimit <= 0 {
		return fmt.Errorf("sync pull limit must be positive, got %d", cfg.Sync.PullLimit)
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync max attempts must be positive, got %d", cfg.Sync.MaxAttempts)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}
