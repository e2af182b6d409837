package multiplexer

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyStreams is returned by Start when MaxConcurrentStreams
	// connections are already streaming. Nothing is created.
	ErrTooManyStreams = errors.New("too many concurrent streams")

	// ErrStreamActive is returned by Start for an id whose connection is
	// still running or waiting on a retry.
	ErrStreamActive = errors.New("stream already active")

	// ErrStreamNotFound is returned for ids the registry does not track.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStalled is the failure of a connection that received no event
	// within StallTimeout.
	ErrStalled = errors.New("stream stalled")

	// ErrNotTerminal is returned by Retry for a connection that has not
	// finished.
	ErrNotTerminal = errors.New("stream has not finished")

	// ErrMissingStreamID is returned by Start for an empty id.
	ErrMissingStreamID = errors.New("stream id is required")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("registry closed")
)

// StreamError is the terminal failure handed to OnError once no retry is
// left.
type StreamError struct {
	StreamID string

	// Attempt is the number of retries made before giving up.
	Attempt int

	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s failed after %d retries: %v", e.StreamID, e.Attempt, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
