package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "costpipe", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 3, cfg.BillingAPI.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.BillingAPI.RetryMaxDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.BillingAPI.PagePacingDelay)
	assert.Equal(t, 5000, cfg.Pipeline.ChunkSize)
	assert.Equal(t, 10000, cfg.Pipeline.TaggingSliceSize)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.MonthRetryDelay)
	assert.Equal(t, 5, cfg.Pipeline.MaxMonthFetchRetries)
	assert.Equal(t, 10, cfg.Pipeline.GCEveryNChunks)
	assert.Equal(t, 100, cfg.Pipeline.FaultHistoryLimit)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("COSTPIPE_DATABASE_PASSWORD", "secret")
	t.Setenv("COSTPIPE_BILLING_API_MAX_RETRIES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, 7, cfg.BillingAPI.MaxRetries)
}

func TestValidate(t *testing.T) {
	t.Run("idle conns cannot exceed open conns", func(t *testing.T) {
		cfg := &Config{}
		applyDefaults(cfg)
		cfg.Database.MaxIdleConns = 50
		cfg.Database.MaxOpenConns = 10

		assert.Error(t, cfg.validate())
	})

	t.Run("ingest endpoint required when enabled", func(t *testing.T) {
		cfg := &Config{}
		applyDefaults(cfg)
		cfg.Ingest.Enabled = true

		assert.Error(t, cfg.validate())
	})

	t.Run("production requires credentials", func(t *testing.T) {
		cfg := &Config{}
		applyDefaults(cfg)
		cfg.App.Env = "production"

		assert.Error(t, cfg.validate())

		cfg.BillingAPI.BaseURL = "https://consumption.example.com"
		cfg.BillingAPI.BearerToken = "token"
		cfg.Database.Password = "secret"
		cfg.Database.SSLMode = "require"
		assert.NoError(t, cfg.validate())
	})
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "loader",
		Password: "p@ss/word",
		DBName:   "costpipe",
		SSLMode:  "require",
	}

	dsn := d.DSN()
	assert.Contains(t, dsn, "postgres://")
	assert.Contains(t, dsn, "db.internal:5432")
	assert.Contains(t, dsn, "sslmode=require")
	assert.NotContains(t, dsn, "p@ss/word", "password must be escaped")
}
