package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"cardwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the optional built-in cycle cadence. When the
// trigger endpoint is driven by an external cron this stays disabled.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// PolicyConfig holds the scheduling defaults used until a global_policy row
// is stored. Once a row exists it takes precedence wholesale each cycle.
type PolicyConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	BatchSizePerCycle        int           `mapstructure:"batch_size_per_cycle"`
	JitterMinPercent         int           `mapstructure:"jitter_min_percent"`
	JitterMaxPercent         int           `mapstructure:"jitter_max_percent"`
	IntervalLevelsMinutes    []int         `mapstructure:"interval_levels_minutes"`
	NoChangeLevelUpThreshold int           `mapstructure:"no_change_level_up_threshold"`
	DedupTolerance           time.Duration `mapstructure:"dedup_tolerance"`
	Timezone                 string        `mapstructure:"timezone"`
}

// ScraperConfig captures scrape-backend connectivity.
type ScraperConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	JobPollInterval time.Duration `mapstructure:"job_poll_interval"`
	JobWaitCeiling  time.Duration `mapstructure:"job_wait_ceiling"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// TriggerConfig configures the HTTP cycle-trigger surface.
type TriggerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CARDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cardwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.batch_size_per_cycle", 20)
	v.SetDefault("policy.jitter_min_percent", -10)
	v.SetDefault("policy.jitter_max_percent", 10)
	v.SetDefault("policy.interval_levels_minutes", []int{30, 60, 180, 360, 720, 1440})
	v.SetDefault("policy.no_change_level_up_threshold", 3)
	v.SetDefault("policy.dedup_tolerance", "10m")
	v.SetDefault("policy.timezone", "Asia/Tokyo")

	v.SetDefault("scraper.request_timeout", "30s")
	v.SetDefault("scraper.job_poll_interval", "3s")
	v.SetDefault("scraper.job_wait_ceiling", "2m")
	v.SetDefault("scraper.user_agent", "cardwatch/1.0")

	v.SetDefault("trigger.listen_addr", ":8085")
	v.SetDefault("trigger.read_timeout", "15s")
	v.SetDefault("trigger.write_timeout", "5m")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Policy.BatchSizePerCycle <= 0 {
		return fmt.Errorf("policy.batch_size_per_cycle must be greater than zero")
	}
	if c.Policy.JitterMinPercent > c.Policy.JitterMaxPercent {
		return fmt.Errorf("policy.jitter_min_percent cannot exceed policy.jitter_max_percent")
	}
	if c.Policy.DedupTolerance <= 0 {
		return fmt.Errorf("policy.dedup_tolerance must be greater than zero")
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		return fmt.Errorf("policy.timezone 不合法: %w", err)
	}
	if c.Scraper.JobWaitCeiling <= 0 {
		return fmt.Errorf("scraper.job_wait_ceiling must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Location resolves the configured business time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Policy.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
