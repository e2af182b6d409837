// Package httpsource streams data-stream events from an upstream HTTP
// endpoint that answers with text/event-stream.
package httpsource

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/source"
)

// Request describes the upstream call issued on every Open.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// StatusError is returned by Open when the upstream answers with a non-2xx
// status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Source is a replayable source: every Open issues a new request.
type Source struct {
	req      Request
	client   *http.Client
	recorder io.Writer
	logger   *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client. The default has no overall timeout since
// streams are long-lived; reads are bounded by the caller's context.
func WithClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithRecorder copies the raw SSE wire bytes of every attempt to w.
func WithRecorder(w io.Writer) Option {
	return func(s *Source) { s.recorder = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// New returns a Source for req. An empty method defaults to POST when a
// body is set and GET otherwise.
func New(req Request, opts ...Option) *Source {
	s := &Source{
		req: req,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
			},
		},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.req.Method == "" {
		s.req.Method = http.MethodGet
		if len(s.req.Body) > 0 {
			s.req.Method = http.MethodPost
		}
	}
	return s
}

var _ source.Source = (*Source)(nil)

// Open issues the upstream request and returns a handle over its event
// stream. ctx bounds the whole response, not only the request.
func (s *Source) Open(ctx context.Context) (source.Handle, error) {
	var body io.Reader
	if len(s.req.Body) > 0 {
		body = bytes.NewReader(s.req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, s.req.Method, s.req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	setRequestHeaders(s.req.Header, httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	}

	s.logger.Debug("upstream stream opened",
		"url", s.req.URL,
		"status", resp.StatusCode,
		"content_type", resp.Header.Get("Content-Type"),
	)
	return source.NewSSEHandle(resp.Body, s.recorder), nil
}
