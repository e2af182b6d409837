package config

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/papercomputeco/spool/multiplexer"
)

// StreamOptions reads the [stream] section of v into registry options.
func StreamOptions(v *viper.Viper) multiplexer.Options {
	return multiplexer.Options{
		MaxConcurrentStreams:    v.GetInt("stream.max_concurrent_streams"),
		ReconnectAttempts:       v.GetInt("stream.reconnect_attempts"),
		ReconnectDelay:          v.GetDuration("stream.reconnect_delay"),
		ConnectionTimeout:       v.GetDuration("stream.connection_timeout"),
		EnableAutoRetry:         v.GetBool("stream.enable_auto_retry"),
		EnableFallback:          v.GetBool("stream.enable_fallback"),
		FallbackPollingInterval: v.GetDuration("stream.fallback_polling_interval"),
		StallTimeout:            v.GetDuration("stream.stall_timeout"),
		Retention:               v.GetDuration("stream.retention"),
		CheckpointEvery:         v.GetInt("stream.checkpoint_every"),
	}
}

// Brokers splits the comma-separated eventstream.brokers value.
func Brokers(v *viper.Viper) []string {
	var out []string
	for b := range strings.SplitSeq(v.GetString("eventstream.brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// WatchStreamOptions re-reads the [stream] section whenever config.toml
// changes and hands the result to apply. Other sections are only read at
// startup.
func WatchStreamOptions(v *viper.Viper, l *slog.Logger, apply func(multiplexer.Options)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		l.Info("config file changed", "path", e.Name, "op", e.Op.String())
		apply(StreamOptions(v))
	})
	v.WatchConfig()
}
