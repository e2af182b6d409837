package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/papercomputeco/spool/pkg/sse"
	"github.com/papercomputeco/spool/pkg/stream"
)

// Opener returns a fresh reader positioned at the start of a recording.
type Opener func() (io.ReadCloser, error)

// File returns an Opener for the file at path.
func File(path string) Opener {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// NDJSON returns a replayable Source decoding one JSON event per line.
// Blank lines are skipped.
func NDJSON(open Opener) Source {
	return Func(func(context.Context) (Handle, error) {
		rc, err := open()
		if err != nil {
			return nil, fmt.Errorf("opening ndjson recording: %w", err)
		}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		return &readerHandle{closer: rc, next: func() ([]byte, error) {
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) == 0 {
					continue
				}
				return line, nil
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}}, nil
	})
}

// SSE returns a replayable Source decoding the data payload of each SSE
// event of a recorded stream. "[DONE]" sentinels are skipped.
func SSE(open Opener) Source {
	return Func(func(context.Context) (Handle, error) {
		rc, err := open()
		if err != nil {
			return nil, fmt.Errorf("opening sse recording: %w", err)
		}
		return NewSSEHandle(rc, nil), nil
	})
}

// NewSSEHandle returns a Handle decoding data-stream events from an SSE
// body. Every raw line is copied to tee when it is non-nil. Release closes
// body.
func NewSSEHandle(body io.ReadCloser, tee io.Writer) Handle {
	r := sse.NewTeeReader(body, tee)
	return &readerHandle{closer: body, next: func() ([]byte, error) {
		for {
			ev, err := r.Next()
			if err != nil {
				return nil, err
			}
			if ev.Done() || ev.Data == "" {
				continue
			}
			return []byte(ev.Data), nil
		}
	}}
}

// readerHandle decodes payloads produced by next and closes the underlying
// reader on Release.
type readerHandle struct {
	mu       sync.Mutex
	closer   io.Closer
	next     func() ([]byte, error)
	released bool
}

func (h *readerHandle) Next(ctx context.Context) (stream.Event, error) {
	if err := ctx.Err(); err != nil {
		return stream.Event{}, err
	}

	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return stream.Event{}, ErrReleased
	}

	payload, err := h.next()
	if err != nil {
		return stream.Event{}, err
	}
	return stream.Decode(payload)
}

func (h *readerHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.closer.Close()
}
