// Package stream defines the typed events emitted by a model-inference backend
// and the reducer that folds them into a materialized State.
package stream

import (
	"encoding/json"
	"fmt"
)

// EventType is the discriminator of an Event. Wire values are fixed by the
// data-stream protocol.
type EventType string

const (
	TypeTextDelta              EventType = "text-delta"
	TypeReasoning              EventType = "reasoning"
	TypeReasoningSignature     EventType = "reasoning-signature"
	TypeRedactedReasoning      EventType = "redacted-reasoning"
	TypeSource                 EventType = "source"
	TypeToolCall               EventType = "tool-call"
	TypeToolCallStreamingStart EventType = "tool-call-streaming-start"
	TypeToolCallDelta          EventType = "tool-call-delta"
	TypeToolResult             EventType = "tool-result"
	TypeFinish                 EventType = "finish"
	TypeError                  EventType = "error"
)

// Known reports whether t is part of the vocabulary this package understands.
func (t EventType) Known() bool {
	switch t {
	case TypeTextDelta, TypeReasoning, TypeReasoningSignature, TypeRedactedReasoning,
		TypeSource, TypeToolCall, TypeToolCallStreamingStart, TypeToolCallDelta,
		TypeToolResult, TypeFinish, TypeError:
		return true
	}
	return false
}

// Event is one incremental unit of the model output protocol. Type determines
// which of the payload fields are populated.
type Event struct {
	Type EventType `json:"type"`

	// TextDelta carries the fragment for text-delta and reasoning events.
	TextDelta string `json:"textDelta,omitempty"`

	// Signature is set on reasoning-signature events.
	Signature string `json:"signature,omitempty"`

	// Data is the opaque payload of a redacted-reasoning event.
	Data string `json:"data,omitempty"`

	// Source is the citation carried by a source event.
	Source *Source `json:"source,omitempty"`

	// Tool call fields (tool-call, tool-call-streaming-start,
	// tool-call-delta, tool-result).
	ToolCallID    string          `json:"toolCallId,omitempty"`
	ToolName      string          `json:"toolName,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	ArgsTextDelta string          `json:"argsTextDelta,omitempty"`
	Result        any             `json:"result,omitempty"`

	// Finish fields.
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`

	// Error is the message of an error event.
	Error string `json:"error,omitempty"`
}

// Usage is the authoritative token accounting reported by a finish event.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Source is a citation record.
type Source struct {
	ID         string `json:"id,omitempty"`
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	SourceType string `json:"sourceType,omitempty"`
}

// Decode parses a single JSON-encoded event. Unknown event types decode
// successfully so that newer protocol variants pass through to the reducer,
// which ignores them. Only malformed payloads return an error.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding stream event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decoding stream event: missing type")
	}
	return ev, nil
}

// Convenience constructors used by sources and tests.

func TextDelta(s string) Event { return Event{Type: TypeTextDelta, TextDelta: s} }

func Reasoning(s string) Event { return Event{Type: TypeReasoning, TextDelta: s} }

func ReasoningSignature(sig string) Event {
	return Event{Type: TypeReasoningSignature, Signature: sig}
}

func RedactedReasoning(data string) Event { return Event{Type: TypeRedactedReasoning, Data: data} }

func SourceEvent(src Source) Event { return Event{Type: TypeSource, Source: &src} }

func ToolCallEvent(id, name string, args json.RawMessage) Event {
	return Event{Type: TypeToolCall, ToolCallID: id, ToolName: name, Args: args}
}

func ToolCallStart(id, name string) Event {
	return Event{Type: TypeToolCallStreamingStart, ToolCallID: id, ToolName: name}
}

func ToolCallDelta(id, delta string) Event {
	return Event{Type: TypeToolCallDelta, ToolCallID: id, ArgsTextDelta: delta}
}

func ToolResult(id string, result any) Event {
	return Event{Type: TypeToolResult, ToolCallID: id, Result: result}
}

func Finish(usage *Usage, reason string) Event {
	return Event{Type: TypeFinish, Usage: usage, FinishReason: reason}
}

func ErrorEvent(msg string) Event { return Event{Type: TypeError, Error: msg} }
