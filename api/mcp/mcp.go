// Package mcp provides an MCP (Model Context Protocol) server exposing the
// streams of a spool registry as tools.
package mcp

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/utils"
)

type Config struct {
	// Registry is the stream registry the tools operate on
	Registry *multiplexer.Registry

	// Noop for empty MCP server
	Noop bool

	// Logger is the configured slog logger
	Logger *slog.Logger
}

type Server struct {
	config    Config
	mcpServer *mcp.Server
	handler   *mcp.StreamableHTTPHandler
}

// NewServer creates a new MCP server with the stream tools.
func NewServer(c Config) (*Server, error) {
	s := &Server{
		config: c,
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "spool",
			Version: utils.Version,
		},
		&mcp.ServerOptions{},
	)

	if !c.Noop {
		if c.Registry == nil {
			return nil, errors.New("registry is required")
		}
		if c.Logger == nil {
			return nil, errors.New("logger is required")
		}

		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        listStreamsToolName,
			Description: listStreamsDescription,
		}, s.handleListStreams)

		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        getStreamToolName,
			Description: getStreamDescription,
		}, s.handleGetStream)

		mcp.AddTool(mcpServer, &mcp.Tool{
			Name:        stopStreamToolName,
			Description: stopStreamDescription,
		}, s.handleStopStream)
	}

	s.mcpServer = mcpServer

	// Create a streamable HTTP net/http handler for stateless operations
	s.handler = mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server {
			return mcpServer
		},
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)

	return s, nil
}

// Handler returns the HTTP handler for the MCP server.
func (s *Server) Handler() http.Handler {
	return s.handler
}
