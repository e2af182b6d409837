package stream

import "errors"

// StreamingType is the category of the most recent content-bearing event.
type StreamingType string

const (
	StreamingText      StreamingType = "text"
	StreamingReasoning StreamingType = "reasoning"
	StreamingTool      StreamingType = "tool"
)

// ReasoningStep types.
const (
	ReasoningThinking = "thinking"
	ReasoningRedacted = "redacted"
)

// ToolCallState tracks the lifecycle of a ToolCall record.
type ToolCallState string

const (
	ToolCallCalled         ToolCallState = "call"
	ToolCallStreamingStart ToolCallState = "streaming-start"
	ToolCallResult         ToolCallState = "result"
)

// ReasoningStep is one chunk of the model's reasoning trace.
type ReasoningStep struct {
	Step       int      `json:"step"`
	Content    string   `json:"content,omitempty"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
	Signature  string   `json:"signature,omitempty"`
	Redacted   bool     `json:"redacted,omitempty"`
	Data       string   `json:"data,omitempty"`
}

// ToolCall is the accumulated record of one tool invocation. ArgsText only
// grows until a result terminates the record.
type ToolCall struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	ArgsText string        `json:"argsText"`
	Result   any           `json:"result,omitempty"`
	State    ToolCallState `json:"state"`
}

// State is the materialized view of everything folded from one connection
// attempt. Treat values as immutable: Reduce always returns a new State and
// never writes through the slices or maps of its input.
type State struct {
	Text          string              `json:"text"`
	Reasoning     []ReasoningStep     `json:"reasoning,omitempty"`
	ToolCalls     map[string]ToolCall `json:"toolCalls,omitempty"`
	ToolCallOrder []string            `json:"toolCallOrder,omitempty"`
	Sources       []Source            `json:"sources,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	Errors        []string            `json:"errors,omitempty"`

	// TokenCount is a whitespace word-count estimate until a finish event
	// replaces it with the backend's authoritative total.
	TokenCount int `json:"tokenCount"`

	StreamingType StreamingType `json:"streamingType"`
	IsStreaming   bool          `json:"isStreaming"`

	// Revision counts the events folded into this state. It orders
	// snapshots of the same message taken at different times.
	Revision int `json:"revision"`
}

// NewState returns the initial state of a connection attempt.
func NewState() State {
	return State{
		StreamingType: StreamingText,
		IsStreaming:   true,
	}
}

// ToolCall returns the record for id, if present.
func (s State) ToolCall(id string) (ToolCall, bool) {
	tc, ok := s.ToolCalls[id]
	return tc, ok
}

// LastError returns the most recent error appended by an error event.
func (s State) LastError() error {
	if len(s.Errors) == 0 {
		return nil
	}
	return &EventError{Message: s.Errors[len(s.Errors)-1]}
}

// EventError is an error event received from the backend that the consumer
// chose to surface as a failure.
type EventError struct {
	Message string
}

func (e *EventError) Error() string {
	if e.Message == "" {
		return "stream error event"
	}
	return "stream error event: " + e.Message
}

// IsEventError reports whether err wraps an EventError.
func IsEventError(err error) bool {
	var ee *EventError
	return errors.As(err, &ee)
}
