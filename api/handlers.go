package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/source/httpsource"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartRequest starts a stream consuming an upstream SSE endpoint.
type StartRequest struct {
	StreamID  string            `json:"stream_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// StartResponse is returned when a stream was admitted.
type StartResponse struct {
	StreamID  string `json:"stream_id"`
	MessageID string `json:"message_id"`
}

// ListResponse is the registry overview.
type ListResponse struct {
	Stats   multiplexer.Stats      `json:"stats"`
	Streams []multiplexer.Snapshot `json:"streams"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleStartStream admits a new upstream stream.
func (s *Server) handleStartStream(c *fiber.Ctx) error {
	var req StartRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if req.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "url is required"})
	}

	if req.StreamID == "" {
		req.StreamID = uuid.NewString()
	}
	if req.MessageID == "" {
		req.MessageID = req.StreamID
	}

	header := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	opts := []httpsource.Option{httpsource.WithLogger(s.logger)}
	if s.config.UpstreamClient != nil {
		opts = append(opts, httpsource.WithClient(s.config.UpstreamClient))
	}
	src := httpsource.New(httpsource.Request{
		URL:    req.URL,
		Method: req.Method,
		Header: header,
		Body:   req.Body,
	}, opts...)

	if err := s.registry.Start(req.StreamID, src, multiplexer.WithMessageID(req.MessageID)); err != nil {
		return s.registryError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(StartResponse{
		StreamID:  req.StreamID,
		MessageID: req.MessageID,
	})
}

// handleListStreams returns registry stats and every tracked stream.
func (s *Server) handleListStreams(c *fiber.Ctx) error {
	return c.JSON(ListResponse{
		Stats:   s.registry.Stats(),
		Streams: s.registry.List(),
	})
}

// handleGetStream returns one stream snapshot.
func (s *Server) handleGetStream(c *fiber.Ctx) error {
	snap, ok := s.registry.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "stream not found"})
	}
	return c.JSON(snap)
}

// handleStopStream aborts one stream.
func (s *Server) handleStopStream(c *fiber.Ctx) error {
	if !s.registry.Stop(c.Params("id")) {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "stream not found"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleStopAll aborts every stream.
func (s *Server) handleStopAll(c *fiber.Ctx) error {
	s.registry.StopAll()
	return c.SendStatus(fiber.StatusNoContent)
}

// handleRetryStream restarts a finished stream.
func (s *Server) handleRetryStream(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.registry.Retry(id); err != nil {
		return s.registryError(c, err)
	}

	resp := StartResponse{StreamID: id, MessageID: id}
	if snap, ok := s.registry.Get(id); ok {
		resp.MessageID = snap.MessageID
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// handleGetMessage returns the freshest checkpoint of a message. This is
// the endpoint remote fallback pollers read.
func (s *Server) handleGetMessage(c *fiber.Ctx) error {
	id := c.Params("id")
	if cp, ok := s.registry.Checkpoint(id); ok {
		return c.JSON(cp)
	}

	if s.store == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "message not found"})
	}

	cp, err := s.store.Get(c.UserContext(), id)
	if err != nil {
		if checkpoint.IsNotFound(err) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "message not found"})
		}
		s.logger.Error("failed to load checkpoint", "message_id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load checkpoint"})
	}
	return c.JSON(cp)
}

// handleEnableFallback starts polling a message.
func (s *Server) handleEnableFallback(c *fiber.Ctx) error {
	id := c.Params("id")
	enabled := s.registry.EnableFallback(id)
	if !enabled && !s.registry.FallbackEnabled(id) {
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: "fallback polling is unavailable"})
	}
	return c.JSON(map[string]any{
		"message_id": id,
		"enabled":    true,
	})
}

// handleDisableFallback stops polling a message.
func (s *Server) handleDisableFallback(c *fiber.Ctx) error {
	s.registry.DisableFallback(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

// registryError maps registry sentinels to status codes.
func (s *Server) registryError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, multiplexer.ErrTooManyStreams):
		status = fiber.StatusTooManyRequests
	case errors.Is(err, multiplexer.ErrStreamActive), errors.Is(err, multiplexer.ErrNotTerminal):
		status = fiber.StatusConflict
	case errors.Is(err, multiplexer.ErrStreamNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, multiplexer.ErrClosed):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, multiplexer.ErrMissingStreamID):
		status = fiber.StatusBadRequest
	}
	if status == fiber.StatusInternalServerError {
		s.logger.Error("registry operation failed", "error", err)
	}
	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}
