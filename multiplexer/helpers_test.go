package multiplexer_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/spool/multiplexer"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

// trackingSource counts the handles it hands out and releases.
type trackingSource struct {
	inner    source.Source
	opened   atomic.Int32
	released atomic.Int32
}

func track(inner source.Source) *trackingSource {
	return &trackingSource{inner: inner}
}

func (t *trackingSource) Open(ctx context.Context) (source.Handle, error) {
	h, err := t.inner.Open(ctx)
	if err != nil {
		return nil, err
	}
	t.opened.Add(1)
	return &trackingHandle{Handle: h, src: t}, nil
}

type trackingHandle struct {
	source.Handle
	src  *trackingSource
	once sync.Once
}

func (h *trackingHandle) Release() error {
	h.once.Do(func() { h.src.released.Add(1) })
	return h.Handle.Release()
}

// pipeSource hands out handles that block until the test sends events.
type pipeSource struct {
	mu      sync.Mutex
	handles []*pipeHandle
}

func (p *pipeSource) Open(context.Context) (source.Handle, error) {
	h := &pipeHandle{events: make(chan stream.Event, 16)}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *pipeSource) opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

func (p *pipeSource) last() *pipeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

type pipeHandle struct {
	events    chan stream.Event
	closeOnce sync.Once
	released  atomic.Bool
}

func (h *pipeHandle) send(ev stream.Event) { h.events <- ev }

func (h *pipeHandle) end() { h.closeOnce.Do(func() { close(h.events) }) }

func (h *pipeHandle) Next(ctx context.Context) (stream.Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return stream.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	}
}

func (h *pipeHandle) Release() error {
	h.released.Store(true)
	return nil
}

type retryCall struct {
	attempt int
	delay   time.Duration
}

// recorder collects callback invocations.
type recorder struct {
	mu        sync.Mutex
	progress  []float64
	completed map[string]stream.Message
	errs      map[string]error
	retries   []retryCall
	done      chan string
}

func newRecorder() *recorder {
	return &recorder{
		completed: make(map[string]stream.Message),
		errs:      make(map[string]error),
		done:      make(chan string, 16),
	}
}

func (r *recorder) callbacks() multiplexer.Callbacks {
	return multiplexer.Callbacks{
		OnProgress: func(_ string, percent float64, _ int) {
			r.mu.Lock()
			r.progress = append(r.progress, percent)
			r.mu.Unlock()
		},
		OnComplete: func(id string, msg stream.Message) {
			r.mu.Lock()
			r.completed[id] = msg
			r.mu.Unlock()
			r.done <- id
		},
		OnError: func(id string, err error) {
			r.mu.Lock()
			r.errs[id] = err
			r.mu.Unlock()
			r.done <- id
		},
		OnRetry: func(_ string, attempt int, delay time.Duration) {
			r.mu.Lock()
			r.retries = append(r.retries, retryCall{attempt: attempt, delay: delay})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) message(id string) (stream.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.completed[id]
	return msg, ok
}

func (r *recorder) err(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[id]
}

func (r *recorder) retryCalls() []retryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]retryCall, len(r.retries))
	copy(out, r.retries)
	return out
}

func (r *recorder) lastProgress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.progress) == 0 {
		return -1
	}
	return r.progress[len(r.progress)-1]
}
