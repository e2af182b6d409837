package stream

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/papercomputeco/spool/pkg/logger"
)

// Reducer folds events into State. The zero value is usable and discards
// its diagnostics.
type Reducer struct {
	logger *slog.Logger
}

// NewReducer returns a Reducer that logs ignored events on l.
func NewReducer(l *slog.Logger) *Reducer {
	return &Reducer{logger: l}
}

var defaultReducer = &Reducer{}

// Reduce folds ev into s using a Reducer that discards diagnostics.
func Reduce(s State, ev Event) State {
	return defaultReducer.Reduce(s, ev)
}

// Reduce returns the state produced by folding ev into s. It is pure with
// respect to s, total over every Event value and never panics. Events of an
// unrecognized type are logged and ignored.
func (r *Reducer) Reduce(s State, ev Event) State {
	switch ev.Type {
	case TypeTextDelta:
		s.Text += ev.TextDelta
		s.TokenCount += EstimateTokens(ev.TextDelta)
		s.StreamingType = StreamingText

	case TypeReasoning:
		s.Reasoning = append(slices.Clip(s.Reasoning), ReasoningStep{
			Step:    len(s.Reasoning) + 1,
			Content: ev.TextDelta,
			Type:    ReasoningThinking,
		})
		s.StreamingType = StreamingReasoning

	case TypeReasoningSignature:
		// Signatures trail their content chunk; one arriving first has
		// nothing to attach to.
		if len(s.Reasoning) == 0 {
			return s
		}
		steps := slices.Clone(s.Reasoning)
		steps[len(steps)-1].Signature = ev.Signature
		s.Reasoning = steps

	case TypeRedactedReasoning:
		s.Reasoning = append(slices.Clip(s.Reasoning), ReasoningStep{
			Step:     len(s.Reasoning) + 1,
			Type:     ReasoningRedacted,
			Redacted: true,
			Data:     ev.Data,
		})

	case TypeSource:
		if ev.Source != nil {
			s.Sources = append(slices.Clip(s.Sources), *ev.Source)
		}
		s.StreamingType = StreamingText

	case TypeToolCall, TypeToolCallStreamingStart:
		s = r.openToolCall(s, ev)

	case TypeToolCallDelta:
		tc, ok := s.ToolCalls[ev.ToolCallID]
		if !ok || tc.State == ToolCallResult {
			r.debug("tool-call-delta for unknown or finished tool call", "tool_call_id", ev.ToolCallID)
			return s
		}
		tc.ArgsText += ev.ArgsTextDelta
		s.ToolCalls = withToolCall(s.ToolCalls, tc)
		s.StreamingType = StreamingTool

	case TypeToolResult:
		tc, ok := s.ToolCalls[ev.ToolCallID]
		if !ok {
			r.debug("tool-result for unknown tool call", "tool_call_id", ev.ToolCallID)
			return s
		}
		tc.Result = ev.Result
		tc.State = ToolCallResult
		s.ToolCalls = withToolCall(s.ToolCalls, tc)
		s.StreamingType = StreamingText

	case TypeFinish:
		s.IsStreaming = false
		md := maps.Clone(s.Metadata)
		if md == nil {
			md = make(map[string]any, 4)
		}
		if ev.FinishReason != "" {
			md["finishReason"] = ev.FinishReason
		}
		if u := ev.Usage; u != nil {
			md["promptTokens"] = u.PromptTokens
			md["completionTokens"] = u.CompletionTokens
			md["totalTokens"] = u.TotalTokens
			if u.TotalTokens > 0 {
				s.TokenCount = u.TotalTokens
			}
		}
		s.Metadata = md

	case TypeError:
		s.Errors = append(slices.Clip(s.Errors), ev.Error)
		s.IsStreaming = false

	default:
		r.debug("ignoring unrecognized stream event", "type", string(ev.Type))
		return s
	}

	s.Revision++
	return s
}

func (r *Reducer) openToolCall(s State, ev Event) State {
	state := ToolCallCalled
	if ev.Type == TypeToolCallStreamingStart {
		state = ToolCallStreamingStart
	}

	tc, exists := s.ToolCalls[ev.ToolCallID]
	if !exists {
		tc = ToolCall{ID: ev.ToolCallID}
		s.ToolCallOrder = append(slices.Clip(s.ToolCallOrder), ev.ToolCallID)
	}
	if ev.ToolName != "" {
		tc.Name = ev.ToolName
	}
	if tc.State != ToolCallResult {
		tc.State = state
	}
	// A complete tool-call following a streamed one keeps the accumulated
	// arguments; args only ever grow.
	if len(ev.Args) > len(tc.ArgsText) {
		tc.ArgsText = string(ev.Args)
	}

	s.ToolCalls = withToolCall(s.ToolCalls, tc)
	s.StreamingType = StreamingTool
	return s
}

func withToolCall(calls map[string]ToolCall, tc ToolCall) map[string]ToolCall {
	out := make(map[string]ToolCall, len(calls)+1)
	maps.Copy(out, calls)
	out[tc.ID] = tc
	return out
}

func (r *Reducer) debug(msg string, args ...any) {
	l := r.logger
	if l == nil {
		l = logger.Nop()
	}
	l.Debug(msg, args...)
}

// EstimateTokens approximates the token count of a text fragment by its
// whitespace-separated word count. It is a progress heuristic only and is
// superseded by the usage reported on finish.
func EstimateTokens(s string) int {
	return len(strings.Fields(s))
}
