package eventstream

import (
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/spool/pkg/stream"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeStreamCompleted is emitted when a stream finishes normally.
	EventTypeStreamCompleted = "spool.stream.completed"

	// EventTypeStreamFailed is emitted when a stream fails and no retry is
	// left to schedule.
	EventTypeStreamFailed = "spool.stream.failed"

	// EventTypeStreamRetrying is emitted when a retry is scheduled.
	EventTypeStreamRetrying = "spool.stream.retrying"
)

// StreamEvent is a transport-neutral lifecycle event for one stream.
type StreamEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	StreamID  string `json:"stream_id"`
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`

	// Message is the flattened final message of a completed stream.
	Message *stream.Message `json:"message,omitempty"`

	// Error describes the failure of a failed stream.
	Error string `json:"error,omitempty"`

	// RetryDelayMs is the backoff delay of a retrying stream.
	RetryDelayMs int64 `json:"retry_delay_ms,omitempty"`

	Tokens int `json:"tokens"`
}

// NewStreamEvent returns an event of eventType with a fresh id.
func NewStreamEvent(eventType, streamID, messageID string, at time.Time) *StreamEvent {
	return &StreamEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     at.UTC(),
		StreamID:      streamID,
		MessageID:     messageID,
	}
}
