package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGGREGATE"

type setter func(c *Config, v string) error

func str(field func(c *Config) *string) setter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(c *Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func duration(field func(c *Config) *time.Duration) setter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

var overrides = map[string]setter{
	"STORE_DRIVER":     str(func(c *Config) *string { return &c.Store.Driver }),
	"STORE_DIR":        str(func(c *Config) *string { return &c.Store.Dir }),
	"POSTGRES_DSN":     str(func(c *Config) *string { return &c.Store.Postgres.DSN }),
	"POSTGRES_MIGRATE": boolean(func(c *Config) *bool { return &c.Store.Postgres.Migrate }),
	"REDIS_ADDR":       str(func(c *Config) *string { return &c.Store.Redis.Addr }),
	"REDIS_PREFIX":     str(func(c *Config) *string { return &c.Store.Redis.Prefix }),
	"KURRENTDB_DSN":    str(func(c *Config) *string { return &c.Store.KurrentDB.DSN }),

	"PUBLISHER_DRIVER":         str(func(c *Config) *string { return &c.Publisher.Driver }),
	"PUBLISHER_SOURCE":         str(func(c *Config) *string { return &c.Publisher.Source }),
	"PUBLISHER_URL":            str(func(c *Config) *string { return &c.Publisher.URL }),
	"PUBLISHER_EXCHANGE":       str(func(c *Config) *string { return &c.Publisher.Exchange }),
	"PUBLISHER_SUBJECT_PREFIX": str(func(c *Config) *string { return &c.Publisher.SubjectPrefix }),
	"PUBLISHER_TOPIC":          str(func(c *Config) *string { return &c.Publisher.Topic }),
	"PUBLISHER_BROKERS": func(c *Config, v string) error {
		c.Publisher.Brokers = splitCSV(v)
		return nil
	},

	"RETRY_MAX_RETRIES": func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		c.Retry.MaxRetries = n
		return nil
	},
	"RETRY_INITIAL_INTERVAL": duration(func(c *Config) *time.Duration { return &c.Retry.InitialInterval }),
	"RETRY_MAX_INTERVAL":     duration(func(c *Config) *time.Duration { return &c.Retry.MaxInterval }),
	"RETRY_MULTIPLIER": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.Retry.Multiplier = f
		return nil
	},

	"LOG_LEVEL":  str(func(c *Config) *string { return &c.Log.Level }),
	"LOG_FORMAT": str(func(c *Config) *string { return &c.Log.Format }),

	"TELEMETRY_TRACING": boolean(func(c *Config) *bool { return &c.Telemetry.Tracing }),
	"TELEMETRY_METRICS": str(func(c *Config) *string { return &c.Telemetry.Metrics }),
}

// Keys returns the names of the environment variables Load checks.
func Keys() []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, EnvPrefix+"_"+k)
	}
	return keys
}

func (l Loader) applyEnv(c *Config) error {
	for key, set := range overrides {
		name := EnvPrefix + "_" + key
		v, ok := l.lookupEnv(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
