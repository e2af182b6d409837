package multiplexer

import "time"

// Options are the runtime limits of a Registry. They can be replaced on a
// running registry with SetOptions.
type Options struct {
	// MaxConcurrentStreams caps the number of connections in the streaming
	// state.
	MaxConcurrentStreams int

	// ReconnectAttempts caps automatic retries per stream.
	ReconnectAttempts int

	// ReconnectDelay is the base of the exponential backoff.
	ReconnectDelay time.Duration

	// ConnectionTimeout only scales progress estimation.
	ConnectionTimeout time.Duration

	EnableAutoRetry bool
	EnableFallback  bool

	FallbackPollingInterval time.Duration

	// StallTimeout fails a connection that receives no event for this
	// long. Zero disables the watchdog.
	StallTimeout time.Duration

	// Retention is how long a completed stream stays queryable. Zero keeps
	// it until stopped.
	Retention time.Duration

	// CheckpointEvery persists a checkpoint every this many folded events.
	// Terminal states are always persisted.
	CheckpointEvery int
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentStreams:    5,
		ReconnectAttempts:       3,
		ReconnectDelay:          time.Second,
		ConnectionTimeout:       30 * time.Second,
		EnableAutoRetry:         true,
		EnableFallback:          true,
		FallbackPollingInterval: 2 * time.Second,
		StallTimeout:            60 * time.Second,
		Retention:               5 * time.Minute,
		CheckpointEvery:         8,
	}
}

// normalize fills non-positive numeric fields that have no "disabled"
// meaning with their defaults.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.MaxConcurrentStreams <= 0 {
		o.MaxConcurrentStreams = d.MaxConcurrentStreams
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = d.ConnectionTimeout
	}
	if o.FallbackPollingInterval <= 0 {
		o.FallbackPollingInterval = d.FallbackPollingInterval
	}
	if o.StallTimeout < 0 {
		o.StallTimeout = 0
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = d.CheckpointEvery
	}
	return o
}

// StartOption configures a single Start call.
type StartOption func(*startOptions)

type startOptions struct {
	messageID string
}

// WithMessageID ties the stream to a logical message id. It defaults to the
// stream id.
func WithMessageID(id string) StartOption {
	return func(o *startOptions) {
		if id != "" {
			o.messageID = id
		}
	}
}
