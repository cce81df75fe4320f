package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.loadFromEnv(envOf(nil)))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "USD", cfg.BaseCurrency)
	assert.Equal(t, 30*time.Second, cfg.QuoteCooldown)
	assert.Equal(t, 4, cfg.TaskWorkers)
	assert.Equal(t, 10*time.Minute, cfg.TaskMaxRuntime)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.QuoteConcurrency)
	assert.Equal(t, 22, cfg.ValuationHourUTC)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.loadFromEnv(envOf(map[string]string{
		"PORT":               "9090",
		"KAFKA_BROKERS":      "k1:9092, k2:9092,",
		"BASE_CURRENCY":      "cny",
		"QUOTE_COOLDOWN":     "1m",
		"TASK_WORKERS":       "8",
		"TASK_MAX_RUNTIME":   "90s",
		"FX_API_URL":         "http://fx.local/v6/",
		"SEARCH_API_URL":     "http://search.local/",
		"QUOTE_CONCURRENCY":  "2",
		"VALUATION_HOUR_UTC": "7",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "CNY", cfg.BaseCurrency)
	assert.Equal(t, time.Minute, cfg.QuoteCooldown)
	assert.Equal(t, 8, cfg.TaskWorkers)
	assert.Equal(t, 90*time.Second, cfg.TaskMaxRuntime)
	assert.Equal(t, "http://fx.local/v6", cfg.FXAPIURL)
	assert.Equal(t, "http://search.local", cfg.SearchAPIURL)
	assert.Equal(t, 2, cfg.QuoteConcurrency)
	assert.Equal(t, 7, cfg.ValuationHourUTC)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.loadFromEnv(envOf(map[string]string{"CACHE_TTL": "forever"})), "CACHE_TTL")

	cfg = DefaultConfig()
	assert.ErrorContains(t, cfg.loadFromEnv(envOf(map[string]string{"TASK_QUEUE_SIZE": "many"})), "TASK_QUEUE_SIZE")

	cfg = DefaultConfig()
	cfg.BaseCurrency = "XYZ"
	assert.ErrorContains(t, cfg.Validate(), "BASE_CURRENCY")

	cfg = DefaultConfig()
	cfg.TaskWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ValuationHourUTC = 24
	assert.ErrorContains(t, cfg.Validate(), "VALUATION_HOUR_UTC")

	cfg = DefaultConfig()
	cfg.QuoteConcurrency = 0
	assert.ErrorContains(t, cfg.Validate(), "QUOTE_CONCURRENCY")
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GeminiAPIKey = "secret"
	cfg.DatabaseURL = "postgres://app:hunter2@db:5432/portfolio"
	cfg.RedisURL = "redis://cache:6379"

	r := cfg.Redacted()
	assert.Equal(t, "****", r.GeminiAPIKey)
	assert.Equal(t, "postgres://app:****@db:5432/portfolio", r.DatabaseURL)
	assert.Equal(t, "redis://cache:6379", r.RedisURL)
	assert.Equal(t, "secret", cfg.GeminiAPIKey)
}
