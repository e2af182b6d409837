package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config represents the persistent spool configuration stored as config.toml
// in the .spool/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Stream      StreamConfig      `toml:"stream"`
	API         APIConfig         `toml:"api"`
	Storage     StorageConfig     `toml:"storage"`
	Fallback    FallbackConfig    `toml:"fallback"`
	EventStream EventStreamConfig `toml:"eventstream"`
}

// StreamConfig holds the registry limits. Every field can be changed on a
// running server by editing config.toml.
type StreamConfig struct {
	MaxConcurrentStreams    int      `toml:"max_concurrent_streams,omitempty"`
	ReconnectAttempts       *int     `toml:"reconnect_attempts,omitempty"`
	ReconnectDelay          Duration `toml:"reconnect_delay,omitempty"`
	ConnectionTimeout       Duration `toml:"connection_timeout,omitempty"`
	EnableAutoRetry         *bool    `toml:"enable_auto_retry,omitempty"`
	EnableFallback          *bool    `toml:"enable_fallback,omitempty"`
	FallbackPollingInterval Duration `toml:"fallback_polling_interval,omitempty"`
	StallTimeout            Duration `toml:"stall_timeout,omitempty"`
	Retention               Duration `toml:"retention,omitempty"`
	CheckpointEvery         int      `toml:"checkpoint_every,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// StorageConfig holds checkpoint store settings. PostgresDSN wins over
// SQLitePath when both are set.
type StorageConfig struct {
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// FallbackConfig selects what fallback polling reads. An empty target polls
// the local checkpoint store.
type FallbackConfig struct {
	Target string `toml:"target,omitempty"`
}

// EventStreamConfig holds the Kafka lifecycle publisher settings. Publishing
// is disabled while Brokers is empty.
type EventStreamConfig struct {
	Brokers string `toml:"brokers,omitempty"`
	Topic   string `toml:"topic,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func durationKey(key string, field func(c *Config) *Duration) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			d := field(c)
			if *d == 0 {
				return ""
			}
			return d.String()
		},
		set: func(c *Config, v string) error {
			if err := field(c).UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			return nil
		},
	}
}

func intKey(key string, field func(c *Config) *int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			n := field(c)
			if *n == 0 {
				return ""
			}
			return strconv.Itoa(*n)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func intPtrKey(key string, field func(c *Config) **int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			n := *field(c)
			if n == nil {
				return ""
			}
			return strconv.Itoa(*n)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = &n
			return nil
		},
	}
}

func boolKey(key string, field func(c *Config) **bool) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			b := *field(c)
			if b == nil {
				return ""
			}
			return strconv.FormatBool(*b)
		},
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = &b
			return nil
		},
	}
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"stream.max_concurrent_streams": intKey("stream.max_concurrent_streams", func(c *Config) *int { return &c.Stream.MaxConcurrentStreams }),
	"stream.reconnect_attempts":     intPtrKey("stream.reconnect_attempts", func(c *Config) **int { return &c.Stream.ReconnectAttempts }),
	"stream.reconnect_delay":        durationKey("stream.reconnect_delay", func(c *Config) *Duration { return &c.Stream.ReconnectDelay }),
	"stream.connection_timeout":     durationKey("stream.connection_timeout", func(c *Config) *Duration { return &c.Stream.ConnectionTimeout }),
	"stream.enable_auto_retry":      boolKey("stream.enable_auto_retry", func(c *Config) **bool { return &c.Stream.EnableAutoRetry }),
	"stream.enable_fallback":        boolKey("stream.enable_fallback", func(c *Config) **bool { return &c.Stream.EnableFallback }),
	"stream.fallback_polling_interval": durationKey("stream.fallback_polling_interval", func(c *Config) *Duration {
		return &c.Stream.FallbackPollingInterval
	}),
	"stream.stall_timeout":    durationKey("stream.stall_timeout", func(c *Config) *Duration { return &c.Stream.StallTimeout }),
	"stream.retention":        durationKey("stream.retention", func(c *Config) *Duration { return &c.Stream.Retention }),
	"stream.checkpoint_every": intKey("stream.checkpoint_every", func(c *Config) *int { return &c.Stream.CheckpointEvery }),

	"api.listen": stringKey(func(c *Config) *string { return &c.API.Listen }),

	"storage.sqlite_path":  stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn": stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),

	"fallback.target": stringKey(func(c *Config) *string { return &c.Fallback.Target }),

	"eventstream.brokers": stringKey(func(c *Config) *string { return &c.EventStream.Brokers }),
	"eventstream.topic":   stringKey(func(c *Config) *string { return &c.EventStream.Topic }),
}
