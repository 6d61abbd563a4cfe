package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Source     SourceConfig     `mapstructure:"source" yaml:"source"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Automation AutomationConfig `mapstructure:"automation" yaml:"automation"`
	Control    ControlConfig    `mapstructure:"control" yaml:"control"`
}

// ControlConfig configures the local control endpoint used to trigger runs
// and toggle polling. An empty listen address disables it.
type ControlConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SourceConfig points at the instruction source.
type SourceConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	PollEnabled  bool          `mapstructure:"poll_enabled" yaml:"poll_enabled"`
}

// StoreConfig configures the durable state store.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// BrowserConfig holds settings for the driven browser instance.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args            []string `mapstructure:"args" yaml:"args"`
	Debug           bool     `mapstructure:"debug" yaml:"debug"`
}

// AutomationConfig tunes the orchestration engine.
type AutomationConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PollCooldown      time.Duration `mapstructure:"poll_cooldown" yaml:"poll_cooldown"`
	TriggerCooldown   time.Duration `mapstructure:"trigger_cooldown" yaml:"trigger_cooldown"`
	StalenessWindow   time.Duration `mapstructure:"staleness_window" yaml:"staleness_window"`
	DedupCapacity     int           `mapstructure:"dedup_capacity" yaml:"dedup_capacity"`
	// SatisfiedURLs are substrings of page URLs on which a new run is
	// pointless because the automation goal is already reached.
	SatisfiedURLs []string `mapstructure:"satisfied_urls" yaml:"satisfied_urls"`
}

// SetDefaults initializes default values on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autopilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	v.SetDefault("source.base_url", "http://localhost:8000")
	v.SetDefault("source.timeout", "15s")
	v.SetDefault("source.poll_interval", "10s")
	v.SetDefault("source.poll_enabled", true)

	v.SetDefault("store.db_path", defaultDBPath())

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)

	v.SetDefault("automation.navigation_timeout", "30s")
	v.SetDefault("automation.settle_delay", "1s")
	v.SetDefault("automation.poll_cooldown", "30s")
	v.SetDefault("automation.trigger_cooldown", "5s")
	v.SetDefault("automation.staleness_window", "5m")
	v.SetDefault("automation.dedup_capacity", 20)
	v.SetDefault("automation.satisfied_urls", []string{})

	v.SetDefault("control.listen_addr", "127.0.0.1:8787")
}

func defaultDBPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "autopilot.db"
	}
	return filepath.Join(home, ".autopilot", "autopilot.db")
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that already read file and environment sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.PollInterval <= 0 {
		return fmt.Errorf("source.poll_interval must be a positive duration")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required")
	}
	if c.Automation.NavigationTimeout <= 0 {
		return fmt.Errorf("automation.navigation_timeout must be a positive duration")
	}
	if c.Automation.StalenessWindow <= 0 {
		return fmt.Errorf("automation.staleness_window must be a positive duration")
	}
	if c.Automation.DedupCapacity <= 0 {
		return fmt.Errorf("automation.dedup_capacity must be a positive integer")
	}
	return nil
}
