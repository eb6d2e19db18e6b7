package config

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, PublisherNone, cfg.Publisher.Driver)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: postgres
  postgres:
    dsn: postgres://file/events
    migrate: true
publisher:
  driver: kafka
  brokers: [a:9092]
retry:
  max_retries: 7
  initial_interval: 10ms
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Loader{lookup: envMap(map[string]string{
		"AGGREGATE_POSTGRES_DSN":      "postgres://env/events",
		"AGGREGATE_PUBLISHER_BROKERS": "b:9092, c:9092",
		"AGGREGATE_TELEMETRY_METRICS": "prometheus",
		"AGGREGATE_TELEMETRY_TRACING": "true",
		"AGGREGATE_LOG_LEVEL":         " ",
	})}.Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://env/events", cfg.Store.Postgres.DSN)
	assert.True(t, cfg.Store.Postgres.Migrate)
	assert.Equal(t, []string{"b:9092", "c:9092"}, cfg.Publisher.Brokers)
	assert.Equal(t, "events", cfg.Publisher.Topic, "defaults survive a partial file")
	assert.Equal(t, uint64(7), cfg.Retry.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, "debug", cfg.Log.Level, "blank env values are ignored")
	assert.Equal(t, MetricsPrometheus, cfg.Telemetry.Metrics)
	assert.True(t, cfg.Telemetry.Tracing)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Loader{lookup: envMap(map[string]string{
		"AGGREGATE_STORE_DRIVER": "redis",
		"AGGREGATE_REDIS_ADDR":   "redis:6379",
	})}.Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "aggregate", cfg.Store.Redis.Prefix)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Loader{lookup: envMap(nil)}.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  engine: postgres\n"), 0o600))
	_, err = Loader{lookup: envMap(nil)}.Load(path)
	require.Error(t, err, "unknown keys are rejected")

	_, err = Loader{lookup: envMap(map[string]string{"AGGREGATE_RETRY_MAX_RETRIES": "many"})}.Load("")
	require.ErrorContains(t, err, "AGGREGATE_RETRY_MAX_RETRIES")
}

func TestDecode_Empty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }, ErrUnknownDriver},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, ErrMissingValue},
		{"kurrentdb without dsn", func(c *Config) { c.Store.Driver = DriverKurrentDB }, ErrMissingValue},
		{"disk without dir", func(c *Config) { c.Store.Driver = DriverDisk; c.Store.Dir = "" }, ErrMissingValue},
		{"amqp without url", func(c *Config) { c.Publisher.Driver = PublisherAMQP }, ErrMissingValue},
		{"kafka without brokers", func(c *Config) { c.Publisher.Driver = PublisherKafka }, ErrMissingValue},
		{"publisher without source", func(c *Config) {
			c.Publisher.Driver = PublisherNATS
			c.Publisher.URL = "nats://localhost:4222"
			c.Publisher.Source = ""
		}, ErrMissingValue},
		{"unknown publisher", func(c *Config) { c.Publisher.Driver = "sqs" }, ErrUnknownDriver},
		{"unknown metrics", func(c *Config) { c.Telemetry.Metrics = "statsd" }, ErrUnknownDriver},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}

	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.Retry.Multiplier = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log level")
	assert.Contains(t, err.Error(), "log format")
	assert.Contains(t, err.Error(), "multiplier")
}

func TestRetryConfig_NewBackOff(t *testing.T) {
	r := RetryConfig{InitialInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, Multiplier: 2}
	b := r.NewBackOff()
	for i := 0; i < 10; i++ {
		d := b.NextBackOff()
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 60*time.Millisecond)
	}
	assert.NotSame(t, b, r.NewBackOff())
}

func TestLogConfig(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.Slog(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	entry, err := LogConfig{Level: "debug", Format: "json"}.Logrus(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
	entry.Debug("visible")
	assert.Contains(t, buf.String(), `"msg":"visible"`)

	_, err = LogConfig{Level: "loud"}.Logrus(&buf)
	require.Error(t, err)
}

func TestKeys(t *testing.T) {
	keys := Keys()
	sort.Strings(keys)
	assert.Contains(t, keys, "AGGREGATE_STORE_DRIVER")
	assert.Contains(t, keys, "AGGREGATE_POSTGRES_DSN")
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, EnvPrefix+"_"), k)
	}
}
