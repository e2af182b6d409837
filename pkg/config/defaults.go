package config

import "time"

const (
	defaultAPIListen = ":8090"

	defaultMaxConcurrentStreams    = 5
	defaultReconnectAttempts       = 3
	defaultReconnectDelay          = time.Second
	defaultConnectionTimeout       = 30 * time.Second
	defaultFallbackPollingInterval = 2 * time.Second
	defaultStallTimeout            = 60 * time.Second
	defaultRetention               = 5 * time.Minute
	defaultCheckpointEvery         = 8

	defaultEventStreamTopic = "spool.stream.events"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Stream: StreamConfig{
			MaxConcurrentStreams:    defaultMaxConcurrentStreams,
			ReconnectAttempts:       ptr(defaultReconnectAttempts),
			ReconnectDelay:          Duration(defaultReconnectDelay),
			ConnectionTimeout:       Duration(defaultConnectionTimeout),
			EnableAutoRetry:         ptr(true),
			EnableFallback:          ptr(true),
			FallbackPollingInterval: Duration(defaultFallbackPollingInterval),
			StallTimeout:            Duration(defaultStallTimeout),
			Retention:               Duration(defaultRetention),
			CheckpointEvery:         defaultCheckpointEvery,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		EventStream: EventStreamConfig{
			Topic: defaultEventStreamTopic,
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
