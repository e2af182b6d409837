// Package source defines the contract a Connection consumes events through
// and the stock implementations of it.
//
// Every source is consumed the same way: Open acquires a read Handle, Next
// yields events in arrival order until io.EOF, and Release gives the handle
// back. Iterator-shaped producers that have nothing to release are adapted
// with FromIterator.
package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/papercomputeco/spool/pkg/stream"
)

var (
	// ErrNotReplayable is returned by Open on a one-shot source that has
	// already been opened once. Such sources cannot serve a retry.
	ErrNotReplayable = errors.New("source cannot be reopened")

	// ErrReleased is returned by Next on a released handle.
	ErrReleased = errors.New("read handle released")
)

// Source produces a fresh read handle per Open. Implementations that can
// replay their events (a static list, a file, an HTTP request) return a
// handle positioned at the first event on every call.
type Source interface {
	Open(ctx context.Context) (Handle, error)
}

// Handle is an acquired read position on a source.
type Handle interface {
	// Next blocks until the next event is available. It returns io.EOF
	// once the source is exhausted.
	Next(ctx context.Context) (stream.Event, error)

	// Release frees the handle. It is safe to call more than once.
	Release() error
}

// Iterator is the "yields a next event" shape of a producer.
type Iterator interface {
	Next(ctx context.Context) (stream.Event, error)
}

// Func adapts a function to Source.
type Func func(ctx context.Context) (Handle, error)

func (f Func) Open(ctx context.Context) (Handle, error) { return f(ctx) }

// FromIterator returns a one-shot Source over it whose handle has nothing
// to release.
func FromIterator(it Iterator) Source {
	return Once(Func(func(context.Context) (Handle, error) {
		return &iterHandle{it: it}, nil
	}))
}

type iterHandle struct {
	mu       sync.Mutex
	it       Iterator
	released bool
}

func (h *iterHandle) Next(ctx context.Context) (stream.Event, error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return stream.Event{}, ErrReleased
	}
	return h.it.Next(ctx)
}

func (h *iterHandle) Release() error {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	return nil
}

// Once wraps src so that only the first Open succeeds; later calls return
// ErrNotReplayable.
func Once(src Source) Source {
	return &once{src: src}
}

type once struct {
	mu     sync.Mutex
	src    Source
	opened bool
}

func (o *once) Open(ctx context.Context) (Handle, error) {
	o.mu.Lock()
	if o.opened {
		o.mu.Unlock()
		return nil, ErrNotReplayable
	}
	o.opened = true
	o.mu.Unlock()
	return o.src.Open(ctx)
}

// Static returns a replayable Source yielding events in order.
func Static(events ...stream.Event) Source {
	return Func(func(context.Context) (Handle, error) {
		return &sliceHandle{events: events}, nil
	})
}

type sliceHandle struct {
	mu       sync.Mutex
	events   []stream.Event
	pos      int
	released bool
}

func (h *sliceHandle) Next(ctx context.Context) (stream.Event, error) {
	if err := ctx.Err(); err != nil {
		return stream.Event{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return stream.Event{}, ErrReleased
	}
	if h.pos >= len(h.events) {
		return stream.Event{}, io.EOF
	}
	ev := h.events[h.pos]
	h.pos++
	return ev, nil
}

func (h *sliceHandle) Release() error {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
	return nil
}

// Chan returns a one-shot Source reading from ch until it is closed.
func Chan(ch <-chan stream.Event) Source {
	return FromIterator(chanIter(ch))
}

type chanIter <-chan stream.Event

func (c chanIter) Next(ctx context.Context) (stream.Event, error) {
	select {
	case ev, ok := <-c:
		if !ok {
			return stream.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	}
}
