package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all pipeline configuration
type Config struct {
	App        AppConfig
	Log        LogConfig
	Database   DatabaseConfig
	BillingAPI BillingAPIConfig
	Pipeline   PipelineConfig
	Ingest     IngestConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds analytical store connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// BillingAPIConfig holds billing API client settings
type BillingAPIConfig struct {
	BaseURL          string
	EnrollmentNumber string
	BearerToken      string
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	PagePacingDelay  time.Duration
}

// PipelineConfig holds extraction and load orchestration settings
type PipelineConfig struct {
	ChunkSize            int           // records per transform/tag/load chunk
	TaggingSliceSize     int           // records per tagging engine slice
	MonthRetryDelay      time.Duration // delay between whole-month retries
	MaxMonthFetchRetries int
	PatternTTL           time.Duration // tagging pattern cache TTL
	GCEveryNChunks       int           // force a GC pass every Nth chunk
	MemoryWarnMB         uint64        // resident memory warning threshold
	FaultHistoryLimit    int           // rolling fault history size
}

// IngestConfig holds the downstream JSON forwarding settings
type IngestConfig struct {
	Enabled  bool
	Endpoint string
	Timeout  time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with COSTPIPE_ prefix (e.g., COSTPIPE_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("COSTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		BillingAPI: BillingAPIConfig{
			BaseURL:          v.GetString("billing_api.base_url"),
			EnrollmentNumber: v.GetString("billing_api.enrollment_number"),
			BearerToken:      v.GetString("billing_api.bearer_token"),
			Timeout:          v.GetDuration("billing_api.timeout"),
			MaxRetries:       v.GetInt("billing_api.max_retries"),
			RetryBaseDelay:   v.GetDuration("billing_api.retry_base_delay"),
			RetryMaxDelay:    v.GetDuration("billing_api.retry_max_delay"),
			PagePacingDelay:  v.GetDuration("billing_api.page_pacing_delay"),
		},
		Pipeline: PipelineConfig{
			ChunkSize:            v.GetInt("pipeline.chunk_size"),
			TaggingSliceSize:     v.GetInt("pipeline.tagging_slice_size"),
			MonthRetryDelay:      v.GetDuration("pipeline.month_retry_delay"),
			MaxMonthFetchRetries: v.GetInt("pipeline.max_month_fetch_retries"),
			PatternTTL:           v.GetDuration("pipeline.pattern_ttl"),
			GCEveryNChunks:       v.GetInt("pipeline.gc_every_n_chunks"),
			MemoryWarnMB:         v.GetUint64("pipeline.memory_warn_mb"),
			FaultHistoryLimit:    v.GetInt("pipeline.fault_history_limit"),
		},
		Ingest: IngestConfig{
			Enabled:  v.GetBool("ingest.enabled"),
			Endpoint: v.GetString("ingest.endpoint"),
			Timeout:  v.GetDuration("ingest.timeout"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "costpipe"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "costpipe"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.BillingAPI.Timeout == 0 {
		cfg.BillingAPI.Timeout = 120 * time.Second
	}
	if cfg.BillingAPI.MaxRetries == 0 {
		cfg.BillingAPI.MaxRetries = 3
	}
	if cfg.BillingAPI.RetryBaseDelay == 0 {
		cfg.BillingAPI.RetryBaseDelay = time.Second
	}
	if cfg.BillingAPI.RetryMaxDelay == 0 {
		cfg.BillingAPI.RetryMaxDelay = 60 * time.Second
	}
	if cfg.BillingAPI.PagePacingDelay == 0 {
		cfg.BillingAPI.PagePacingDelay = 100 * time.Millisecond
	}
	if cfg.Pipeline.ChunkSize == 0 {
		cfg.Pipeline.ChunkSize = 5000
	}
	if cfg.Pipeline.TaggingSliceSize == 0 {
		cfg.Pipeline.TaggingSliceSize = 10000
	}
	if cfg.Pipeline.MonthRetryDelay == 0 {
		cfg.Pipeline.MonthRetryDelay = 30 * time.Second
	}
	if cfg.Pipeline.MaxMonthFetchRetries == 0 {
		cfg.Pipeline.MaxMonthFetchRetries = 5
	}
	if cfg.Pipeline.PatternTTL == 0 {
		cfg.Pipeline.PatternTTL = 30 * time.Minute
	}
	if cfg.Pipeline.GCEveryNChunks == 0 {
		cfg.Pipeline.GCEveryNChunks = 10
	}
	if cfg.Pipeline.MemoryWarnMB == 0 {
		cfg.Pipeline.MemoryWarnMB = 2048
	}
	if cfg.Pipeline.FaultHistoryLimit == 0 {
		cfg.Pipeline.FaultHistoryLimit = 100
	}
	if cfg.Ingest.Timeout == 0 {
		cfg.Ingest.Timeout = 30 * time.Second
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Pipeline.ChunkSize <= 0 {
		return fmt.Errorf("pipeline.chunk_size must be positive")
	}
	if c.BillingAPI.MaxRetries < 0 {
		return fmt.Errorf("billing_api.max_retries cannot be negative")
	}
	if c.Ingest.Enabled && c.Ingest.Endpoint == "" {
		return fmt.Errorf("ingest.endpoint is required when ingest.enabled is true")
	}

	if c.App.Env == "production" {
		if c.BillingAPI.BaseURL == "" {
			return fmt.Errorf("billing_api.base_url is required in production")
		}
		if c.BillingAPI.BearerToken == "" {
			return fmt.Errorf("billing_api.bearer_token is required in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
