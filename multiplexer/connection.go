package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/spool/pkg/clock"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

// Status is the lifecycle state of one connection attempt.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusStreaming  Status = "streaming"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusAborted:
		return true
	}
	return false
}

// connection is one attempt at consuming a stream. A retry creates a new
// connection; a terminal one is never revived.
type connection struct {
	streamID  string
	messageID string
	attempt   int
	startedAt time.Time
	src       source.Source

	ctx    context.Context
	cancel context.CancelFunc

	// aborted is checked between events by the consume loop.
	aborted atomic.Bool

	// stalled is set by the watchdog before it cancels ctx.
	stalled atomic.Bool

	mu     sync.Mutex
	status Status
	state  stream.State
	err    error
}

func newConnection(parent context.Context, e *entry, attempt int, now time.Time) *connection {
	ctx, cancel := context.WithCancel(parent)
	return &connection{
		streamID:  e.streamID,
		messageID: e.messageID,
		attempt:   attempt,
		startedAt: now,
		src:       e.src,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusConnecting,
		state:     stream.NewState(),
	}
}

func (c *connection) snapshot() (Status, stream.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.state, c.err
}

func (c *connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// transition moves c to next unless c is terminal. It returns the state at
// the time of the transition.
func (c *connection) transition(next Status, err error) (stream.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return c.state, false
	}
	c.status = next
	c.err = err
	return c.state, true
}

// abort marks c aborted. It does not interrupt a pending read; the consume
// loop notices the flag once the read returns and releases its handle.
func (c *connection) abort() bool {
	c.aborted.Store(true)
	_, ok := c.transition(StatusAborted, nil)
	return ok
}

// folded is the outcome of one fold.
type folded struct {
	state    stream.State
	tokens   int
	advanced bool
}

// fold reduces ev into c's state. It reports the token delta, whether the
// revision moved, and false when c is already terminal.
func (c *connection) fold(r *stream.Reducer, ev stream.Event) (folded, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return folded{state: c.state}, false
	}
	prev := c.state
	c.state = r.Reduce(c.state, ev)
	return folded{
		state:    c.state,
		tokens:   c.state.TokenCount - prev.TokenCount,
		advanced: c.state.Revision > prev.Revision,
	}, true
}

// consume drives c until it reaches a terminal state. The read handle is
// released on every exit path.
func (r *Registry) consume(c *connection) {
	defer c.cancel()

	stall := r.Options().StallTimeout
	var watchdog clock.Timer
	if stall > 0 {
		watchdog = r.clock.AfterFunc(stall, func() {
			c.stalled.Store(true)
			c.cancel()
		})
		defer watchdog.Stop()
	}

	handle, err := c.src.Open(c.ctx)
	if err != nil {
		r.fail(c, r.readError(c, stall, fmt.Errorf("opening source: %w", err)))
		return
	}
	defer func() {
		if err := handle.Release(); err != nil {
			r.logger.Warn("releasing stream handle", "stream_id", c.streamID, "error", err)
		}
	}()

	for {
		if c.aborted.Load() {
			r.logger.Debug("stream consumer exiting after abort", "stream_id", c.streamID)
			return
		}

		ev, err := handle.Next(c.ctx)
		if c.aborted.Load() {
			r.logger.Debug("stream consumer exiting after abort", "stream_id", c.streamID)
			return
		}
		if errors.Is(err, io.EOF) {
			r.complete(c)
			return
		}
		if err != nil {
			r.fail(c, r.readError(c, stall, err))
			return
		}

		if watchdog != nil {
			watchdog.Reset(stall)
		}

		if !r.apply(c, ev) {
			return
		}

		switch ev.Type {
		case stream.TypeError:
			// Reduced into state first so the error is visible in snapshots.
			r.fail(c, &stream.EventError{Message: ev.Error})
			return
		case stream.TypeFinish:
			r.complete(c)
			return
		}
	}
}

func (r *Registry) readError(c *connection, stall time.Duration, err error) error {
	if c.stalled.Load() {
		return fmt.Errorf("%w: no event for %s: %w", ErrStalled, stall, err)
	}
	return err
}
