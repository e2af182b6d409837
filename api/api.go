package api

import (
	"errors"
	"log/slog"
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/spool/api/mcp"
	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/logger"
)

// Server is the API server for managing and querying a stream registry.
type Server struct {
	config   Config
	registry *multiplexer.Registry
	store    checkpoint.Driver
	logger   *slog.Logger
	app      *fiber.App
}

// NewServer creates a new API server. The store is optional; when set,
// GET /v1/messages/:id falls back to it for messages the registry no longer
// tracks.
func NewServer(config Config, registry *multiplexer.Registry, store checkpoint.Driver, l *slog.Logger) (*Server, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:   config,
		registry: registry,
		store:    store,
		logger:   logger.OrNop(l),
		app:      app,
	}

	app.Get("/ping", s.handlePing)

	v1 := app.Group("/v1")
	v1.Post("/streams", s.handleStartStream)
	v1.Get("/streams", s.handleListStreams)
	v1.Delete("/streams", s.handleStopAll)
	v1.Get("/streams/:id", s.handleGetStream)
	v1.Delete("/streams/:id", s.handleStopStream)
	v1.Post("/streams/:id/retry", s.handleRetryStream)

	v1.Get("/messages/:id", s.handleGetMessage)
	v1.Post("/messages/:id/fallback", s.handleEnableFallback)
	v1.Delete("/messages/:id/fallback", s.handleDisableFallback)

	if !config.DisableMCP {
		mcpServer, err := mcp.NewServer(mcp.Config{
			Registry: registry,
			Logger:   s.logger,
		})
		if err != nil {
			return nil, err
		}
		app.All("/mcp", adaptor.HTTPHandler(mcpServer.Handler()))
	}

	return s, nil
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server", "listen", s.config.ListenAddr)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the API server using a pre-created listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting API server", "listen", listener.Addr().String())
	return s.app.Listener(listener)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
