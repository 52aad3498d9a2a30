package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	WSPath      string `mapstructure:"ws_path"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Path       string `mapstructure:"path"`
	UseDebugDb bool   `mapstructure:"use_debug_db"`
}

type FleetConfig struct {
	// Connection reaper: evicts in-memory sessions idle longer than
	// IdleTimeout, checked every ReaperInterval.
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`

	// Durable staleness sweep: reclassifies controller records online/offline.
	// OfflineThreshold must stay above the reaper cadence so the sweep never
	// flags a controller offline just because of the reaper's own timing.
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`

	// Websocket timing.
	WriteWait time.Duration `mapstructure:"write_wait"`
	PongWait  time.Duration `mapstructure:"pong_wait"`

	// Port reclaim on start when a previous instance is still bound.
	ReclaimAttempts uint          `mapstructure:"reclaim_attempts"`
	ReclaimDelay    time.Duration `mapstructure:"reclaim_delay"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
}

func setDefaults() {
	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.ws_path", "/ws/controller")
	viper.SetDefault("server.development", false)

	viper.SetDefault("database.path", "displayfleet.db")
	viper.SetDefault("database.use_debug_db", false)

	viper.SetDefault("fleet.reaper_interval", "30s")
	viper.SetDefault("fleet.idle_timeout", "60s")
	viper.SetDefault("fleet.sweep_interval", "60s")
	viper.SetDefault("fleet.offline_threshold", "120s")
	viper.SetDefault("fleet.write_wait", "10s")
	viper.SetDefault("fleet.pong_wait", "60s")
	viper.SetDefault("fleet.reclaim_attempts", 3)
	viper.SetDefault("fleet.reclaim_delay", "500ms")
}

// Load reads the configuration file at path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	// Reset the global viper instance so repeated loads do not leak state.
	viper.Reset()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults must be registered before ReadInConfig.
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching the filesystem.
func Default() *Config {
	viper.Reset()
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		// Defaults are static; an unmarshal failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// Validate rejects combinations that would make the liveness classification
// misbehave.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Fleet.OfflineThreshold <= c.Fleet.ReaperInterval {
		return fmt.Errorf("offline_threshold (%s) must exceed reaper_interval (%s)",
			c.Fleet.OfflineThreshold, c.Fleet.ReaperInterval)
	}
	if c.Fleet.OfflineThreshold <= c.Fleet.IdleTimeout {
		return fmt.Errorf("offline_threshold (%s) must exceed idle_timeout (%s)",
			c.Fleet.OfflineThreshold, c.Fleet.IdleTimeout)
	}
	if c.Fleet.IdleTimeout <= 0 || c.Fleet.SweepInterval <= 0 {
		return fmt.Errorf("idle_timeout and sweep_interval must be positive")
	}
	return nil
}
