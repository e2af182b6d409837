package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papercomputeco/spool/multiplexer"
)

var (
	listStreamsToolName    = "list_streams"
	listStreamsDescription = "List the model output streams tracked by spool with their status, progress and accumulated text."

	getStreamToolName    = "get_stream"
	getStreamDescription = "Get the current state of one stream by its stream id, including the freshest accumulated text."

	stopStreamToolName    = "stop_stream"
	stopStreamDescription = "Abort a running stream and forget it. Pending retries and fallback polling for the stream are cancelled."
)

// ListStreamsInput takes no arguments.
type ListStreamsInput struct{}

// StreamInput identifies one stream.
type StreamInput struct {
	StreamID string `json:"stream_id" jsonschema:"the id the stream was started with"`
}

// StreamSummary is the tool view of a stream snapshot.
type StreamSummary struct {
	StreamID     string  `json:"stream_id"`
	MessageID    string  `json:"message_id"`
	Status       string  `json:"status"`
	Attempt      int     `json:"attempt"`
	Retrying     bool    `json:"retrying"`
	Progress     float64 `json:"progress"`
	Text         string  `json:"text"`
	TokenCount   int     `json:"token_count"`
	ToolCalls    int     `json:"tool_calls"`
	Error        string  `json:"error,omitempty"`
	FromFallback bool    `json:"from_fallback"`
}

// ListStreamsOutput is the output of list_streams.
type ListStreamsOutput struct {
	ActiveStreams    int             `json:"active_streams"`
	CompletedStreams int             `json:"completed_streams"`
	TotalTokens      int             `json:"total_tokens"`
	Count            int             `json:"count"`
	Streams          []StreamSummary `json:"streams"`
}

// GetStreamOutput is the output of get_stream.
type GetStreamOutput struct {
	Stream StreamSummary `json:"stream"`
}

// StopStreamOutput is the output of stop_stream.
type StopStreamOutput struct {
	StreamID string `json:"stream_id"`
	Stopped  bool   `json:"stopped"`
}

func (s *Server) handleListStreams(_ context.Context, _ *mcp.CallToolRequest, _ ListStreamsInput) (*mcp.CallToolResult, ListStreamsOutput, error) {
	stats := s.config.Registry.Stats()
	snaps := s.config.Registry.List()

	out := ListStreamsOutput{
		ActiveStreams:    stats.ActiveStreams,
		CompletedStreams: stats.CompletedStreams,
		TotalTokens:      stats.TotalTokens,
		Count:            len(snaps),
		Streams:          make([]StreamSummary, 0, len(snaps)),
	}
	for _, snap := range snaps {
		out.Streams = append(out.Streams, summarize(snap))
	}

	s.config.Logger.Debug("MCP list_streams request", "count", out.Count)
	return nil, out, nil
}

func (s *Server) handleGetStream(_ context.Context, _ *mcp.CallToolRequest, input StreamInput) (*mcp.CallToolResult, GetStreamOutput, error) {
	snap, ok := s.config.Registry.Get(input.StreamID)
	if !ok {
		return errorResult(fmt.Sprintf("Stream %q not found", input.StreamID)), GetStreamOutput{}, nil
	}
	return nil, GetStreamOutput{Stream: summarize(snap)}, nil
}

func (s *Server) handleStopStream(_ context.Context, _ *mcp.CallToolRequest, input StreamInput) (*mcp.CallToolResult, StopStreamOutput, error) {
	stopped := s.config.Registry.Stop(input.StreamID)
	if !stopped {
		return errorResult(fmt.Sprintf("Stream %q not found", input.StreamID)), StopStreamOutput{StreamID: input.StreamID}, nil
	}

	s.config.Logger.Info("stream stopped over MCP", "stream_id", input.StreamID)
	return nil, StopStreamOutput{StreamID: input.StreamID, Stopped: true}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}

func summarize(snap multiplexer.Snapshot) StreamSummary {
	return StreamSummary{
		StreamID:     snap.StreamID,
		MessageID:    snap.MessageID,
		Status:       string(snap.Status),
		Attempt:      snap.Attempt,
		Retrying:     snap.Retrying,
		Progress:     snap.Progress,
		Text:         snap.State.Text,
		TokenCount:   snap.State.TokenCount,
		ToolCalls:    len(snap.State.ToolCallOrder),
		Error:        snap.Error,
		FromFallback: snap.FromFallback,
	}
}
