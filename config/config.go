// Package config describes how an aggregate runtime is wired: which event
// store backs the repositories, where committed events are published, how
// conflicting commands are retried and how logs and telemetry are emitted.
//
// A Config is read from a YAML file and then overlaid with environment
// variables named AGGREGATE_{SECTION}_{FIELD}:
//
//	AGGREGATE_STORE_DRIVER=postgres
//	AGGREGATE_POSTGRES_DSN=postgres://localhost/events
//	AGGREGATE_RETRY_MAX_RETRIES=5
//	AGGREGATE_LOG_LEVEL=debug
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverDisk      = "disk"
	DriverPostgres  = "postgres"
	DriverRedis     = "redis"
	DriverKurrentDB = "kurrentdb"
)

// Publisher drivers. An empty driver disables publishing.
const (
	PublisherNone  = ""
	PublisherAMQP  = "amqp"
	PublisherNATS  = "nats"
	PublisherKafka = "kafka"
)

// Metrics backends. An empty backend disables metrics.
const (
	MetricsNone       = ""
	MetricsOTel       = "otel"
	MetricsPrometheus = "prometheus"
)

var (
	ErrUnknownDriver = errors.New("config: unknown driver")
	ErrMissingValue  = errors.New("config: missing value")
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Publisher PublisherConfig `yaml:"publisher"`
	Retry     RetryConfig     `yaml:"retry"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StoreConfig struct {
	Driver    string          `yaml:"driver"`
	Dir       string          `yaml:"dir"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	KurrentDB KurrentDBConfig `yaml:"kurrentdb"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	// Migrate applies the embedded schema migrations on open.
	Migrate bool `yaml:"migrate"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

type KurrentDBConfig struct {
	DSN string `yaml:"dsn"`
}

type PublisherConfig struct {
	Driver string `yaml:"driver"`
	// Source is the CloudEvents source of published events.
	Source string `yaml:"source"`
	URL    string `yaml:"url"`
	// Exchange is the AMQP topic exchange.
	Exchange string `yaml:"exchange"`
	// SubjectPrefix prefixes NATS subjects.
	SubjectPrefix string   `yaml:"subject_prefix"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
}

// RetryConfig controls the exponential backoff between attempts of a command
// that hit a concurrency conflict. MaxRetries 0 disables retries.
type RetryConfig struct {
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	Tracing bool   `yaml:"tracing"`
	Metrics string `yaml:"metrics"`
}

// Default returns an in-memory configuration without publishing.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			Dir:    "./data/events",
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "aggregate"},
		},
		Publisher: PublisherConfig{
			Source:        "aggregate",
			Exchange:      "events",
			SubjectPrefix: "events",
			Topic:         "events",
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of Default and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	return Loader{}.Load(path)
}

// Loader reads configuration files and environment overrides.
type Loader struct {
	// lookup overrides os.LookupEnv for testing.
	lookup func(string) (string, bool)
}

func (l Loader) lookupEnv(key string) (string, bool) {
	if l.lookup != nil {
		return l.lookup(key)
	}
	return os.LookupEnv(key)
}

func (l Loader) Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := l.applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg. Keys absent from the document keep their
// current values; unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that the selected drivers are known and have the values
// they need.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverDisk:
		if c.Store.Dir == "" {
			errs = append(errs, fmt.Errorf("%w: store.dir", ErrMissingValue))
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: store.postgres.dsn", ErrMissingValue))
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("%w: store.redis.addr", ErrMissingValue))
		}
	case DriverKurrentDB:
		if c.Store.KurrentDB.DSN == "" {
			errs = append(errs, fmt.Errorf("%w: store.kurrentdb.dsn", ErrMissingValue))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: store %q", ErrUnknownDriver, c.Store.Driver))
	}

	switch c.Publisher.Driver {
	case PublisherNone:
	case PublisherAMQP, PublisherNATS:
		if c.Publisher.URL == "" {
			errs = append(errs, fmt.Errorf("%w: publisher.url", ErrMissingValue))
		}
	case PublisherKafka:
		if len(c.Publisher.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("%w: publisher.brokers", ErrMissingValue))
		}
		if c.Publisher.Topic == "" {
			errs = append(errs, fmt.Errorf("%w: publisher.topic", ErrMissingValue))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: publisher %q", ErrUnknownDriver, c.Publisher.Driver))
	}
	if c.Publisher.Driver != PublisherNone && c.Publisher.Source == "" {
		errs = append(errs, fmt.Errorf("%w: publisher.source", ErrMissingValue))
	}

	switch c.Telemetry.Metrics {
	case MetricsNone, MetricsOTel, MetricsPrometheus:
	default:
		errs = append(errs, fmt.Errorf("%w: metrics %q", ErrUnknownDriver, c.Telemetry.Metrics))
	}

	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("config: retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
	}
	if _, err := c.Log.slogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewBackOff returns a fresh exponential backoff for one command. It is meant
// for aggregate.WithRetryStrategy.
func (r RetryConfig) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}
	// the retry count bounds the command, not the elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c LogConfig) slogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return level, nil
}

// Slog returns a structured logger writing to w.
func (c LogConfig) Slog(w io.Writer) (*slog.Logger, error) {
	level, err := c.slogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Logrus returns a logrus entry writing to w, for the command and publisher
// logging decorators.
func (c LogConfig) Logrus(w io.Writer) (*logrus.Entry, error) {
	level := logrus.InfoLevel
	if c.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(c.Level); err != nil {
			return nil, fmt.Errorf("config: log level: %w", err)
		}
	}
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	if c.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger), nil
}
