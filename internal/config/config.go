package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. It is populated from a
// yaml file plus HARBORMASTER_ prefixed environment variables via viper.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Navigator NavigatorConfig `mapstructure:"navigator" yaml:"navigator"`
	Sprout    SproutConfig    `mapstructure:"sprout" yaml:"sprout"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output with rotation. Empty LogFile disables file logging.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig points the pool service at its Postgres backend.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	MigrateOnStart bool          `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

// BrowserConfig controls the chromedp driver.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`

	// Stale element retry policy.
	StaleRetries    int           `mapstructure:"stale_retries" yaml:"stale_retries"`
	StaleRetryDelay time.Duration `mapstructure:"stale_retry_delay" yaml:"stale_retry_delay"`
}

// NavigatorConfig bounds the page-safe polling performed between transitions.
type NavigatorConfig struct {
	PageSafeTimeout time.Duration `mapstructure:"page_safe_timeout" yaml:"page_safe_timeout"`
	PageSafePoll    time.Duration `mapstructure:"page_safe_poll" yaml:"page_safe_poll"`
}

// SproutConfig tunes the appliance pool service and its control loops.
type SproutConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`

	FulfillInterval      time.Duration `mapstructure:"fulfill_interval" yaml:"fulfill_interval"`
	ReaperInterval       time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
	PowerSyncInterval    time.Duration `mapstructure:"power_sync_interval" yaml:"power_sync_interval"`
	ScanInterval         time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	ObsolescenceInterval time.Duration `mapstructure:"obsolescence_interval" yaml:"obsolescence_interval"`
	MailerInterval       time.Duration `mapstructure:"mailer_interval" yaml:"mailer_interval"`

	// DefaultLeaseTime applies when a request does not specify one.
	DefaultLeaseTime time.Duration `mapstructure:"default_lease_time" yaml:"default_lease_time"`

	// ProviderRate throttles calls against a single provider API (calls/sec).
	ProviderRate  float64 `mapstructure:"provider_rate" yaml:"provider_rate"`
	ProviderBurst int     `mapstructure:"provider_burst" yaml:"provider_burst"`
}

// Load reads the config file (when present) and environment into a Config.
// A missing file is not an error; defaults and env vars still apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("harbormaster")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("HARBORMASTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "harbormaster")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.connect_timeout", 10*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.query_timeout", 10*time.Second)
	v.SetDefault("browser.stale_retries", 10)
	v.SetDefault("browser.stale_retry_delay", 100*time.Millisecond)

	v.SetDefault("navigator.page_safe_timeout", 15*time.Second)
	v.SetDefault("navigator.page_safe_poll", 200*time.Millisecond)

	v.SetDefault("sprout.listen_addr", ":8366")
	v.SetDefault("sprout.fulfill_interval", 20*time.Second)
	v.SetDefault("sprout.reaper_interval", 30*time.Second)
	v.SetDefault("sprout.power_sync_interval", time.Minute)
	v.SetDefault("sprout.scan_interval", 5*time.Minute)
	v.SetDefault("sprout.obsolescence_interval", time.Hour)
	v.SetDefault("sprout.mailer_interval", time.Minute)
	v.SetDefault("sprout.default_lease_time", time.Hour)
	v.SetDefault("sprout.provider_rate", 5.0)
	v.SetDefault("sprout.provider_burst", 10)
}

// Validate rejects values that would misbehave at runtime rather than letting
// them surface as confusing failures deep inside a control loop.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logger.format must be \"console\" or \"json\", got %q", c.Logger.Format)
	}
	if c.Browser.StaleRetries < 0 {
		return fmt.Errorf("browser.stale_retries must be >= 0, got %d", c.Browser.StaleRetries)
	}
	if c.Navigator.PageSafePoll <= 0 {
		return fmt.Errorf("navigator.page_safe_poll must be positive, got %s", c.Navigator.PageSafePoll)
	}
	if c.Navigator.PageSafeTimeout < c.Navigator.PageSafePoll {
		return fmt.Errorf("navigator.page_safe_timeout (%s) must be at least the poll interval (%s)",
			c.Navigator.PageSafeTimeout, c.Navigator.PageSafePoll)
	}
	if c.Sprout.ProviderRate <= 0 {
		return fmt.Errorf("sprout.provider_rate must be positive, got %g", c.Sprout.ProviderRate)
	}
	return nil
}
