// Package multiplexer owns the lifecycle of concurrent stream connections:
// admission control, cancellation, retry with exponential backoff and
// fallback polling for stalled messages.
package multiplexer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/spool/multiplexer/fallback"
	"github.com/papercomputeco/spool/multiplexer/retry"
	"github.com/papercomputeco/spool/multiplexer/worker"
	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/clock"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/source"
	"github.com/papercomputeco/spool/pkg/stream"
)

// Config is the configuration for a Registry.
type Config struct {
	// Options are the runtime limits. Numeric fields left at zero take their
	// defaults; the toggles are used as given, so start from DefaultOptions.
	Options Options

	Callbacks Callbacks

	// Pool persists checkpoints and publishes lifecycle events. Optional.
	Pool *worker.Pool

	// Fetcher backs fallback polling. Polling is unavailable when nil.
	Fetcher fallback.Fetcher

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry tracks one entry per stream id. All methods are safe for
// concurrent use.
type Registry struct {
	callbacks Callbacks
	pool      *worker.Pool
	clock     clock.Clock
	logger    *slog.Logger
	reducer   *stream.Reducer
	retry     *retry.Coordinator
	poller    *fallback.Poller

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	opts        Options
	streams     map[string]*entry
	totalTokens int
	closed      bool

	// pruner drops stored checkpoints older than Retention.
	pruner clock.Timer
}

// entry is the registry's record of a stream id across its attempts.
type entry struct {
	streamID  string
	messageID string
	src       source.Source

	conn      *connection
	retrying  bool
	fallback  *checkpoint.Checkpoint
	retention clock.Timer
}

// New returns a Registry.
func New(cfg Config) *Registry {
	opts := cfg.Options.normalize()

	l := logger.OrNop(cfg.Logger)
	c := clock.OrReal(cfg.Clock)
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		callbacks: cfg.Callbacks,
		pool:      cfg.Pool,
		clock:     c,
		logger:    l,
		reducer:   stream.NewReducer(l),
		retry:     retry.New(retryPolicy(opts), c),
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		streams:   make(map[string]*entry),
	}
	r.poller = fallback.New(fallback.Config{
		Fetcher:  cfg.Fetcher,
		Sink:     r.applyFallback,
		Interval: opts.FallbackPollingInterval,
		Clock:    c,
		Logger:   l,
	})

	r.mu.Lock()
	r.schedulePruneLocked()
	r.mu.Unlock()
	return r
}

func retryPolicy(o Options) retry.Policy {
	return retry.Policy{
		Enabled:     o.EnableAutoRetry,
		MaxAttempts: o.ReconnectAttempts,
		BaseDelay:   o.ReconnectDelay,
	}
}

// Options returns the current limits.
func (r *Registry) Options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// SetOptions replaces the limits of a running registry. Running
// connections and armed timers keep their settings; the new limits apply
// to admissions, retries and poll ticks from now on.
func (r *Registry) SetOptions(o Options) {
	o = o.normalize()

	r.mu.Lock()
	r.opts = o
	r.schedulePruneLocked()
	r.mu.Unlock()

	r.retry.SetPolicy(retryPolicy(o))
	r.poller.SetInterval(o.FallbackPollingInterval)
	if !o.EnableFallback {
		r.poller.DisableAll()
	}
	r.logger.Info("stream options updated",
		"max_concurrent_streams", o.MaxConcurrentStreams,
		"reconnect_attempts", o.ReconnectAttempts,
		"enable_auto_retry", o.EnableAutoRetry,
		"enable_fallback", o.EnableFallback,
	)
}

// Start admits a new stream and begins consuming src on its own goroutine.
// The connection is streaming by the time Start returns. Start returns
// ErrTooManyStreams when the concurrency cap is reached and ErrStreamActive
// when id is still running or awaiting a retry; nothing is created then.
// A stream id whose previous connection is terminal is replaced.
func (r *Registry) Start(streamID string, src source.Source, opts ...StartOption) error {
	if streamID == "" {
		return ErrMissingStreamID
	}
	if src == nil {
		return errors.New("stream source is required")
	}

	so := startOptions{messageID: streamID}
	for _, opt := range opts {
		opt(&so)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if prev, ok := r.streams[streamID]; ok {
		if prev.retrying || !prev.conn.Status().Terminal() {
			r.mu.Unlock()
			return ErrStreamActive
		}
	}
	if active := r.activeLocked(); active >= r.opts.MaxConcurrentStreams {
		r.mu.Unlock()
		r.logger.Warn("stream rejected by admission control",
			"stream_id", streamID,
			"active_streams", active,
		)
		return ErrTooManyStreams
	}
	if prev, ok := r.streams[streamID]; ok {
		r.removeLocked(prev)
	}

	e := &entry{streamID: streamID, messageID: so.messageID, src: src}
	c := r.connectLocked(e, 0)
	r.streams[streamID] = e
	r.mu.Unlock()

	r.logger.Info("stream started", "stream_id", streamID, "message_id", so.messageID)
	go r.consume(c)
	return nil
}

// connectLocked creates the next connection of e and moves it to
// streaming.
func (r *Registry) connectLocked(e *entry, attempt int) *connection {
	c := newConnection(r.ctx, e, attempt, r.clock.Now())
	c.transition(StatusStreaming, nil)
	e.conn = c
	e.retrying = false
	return c
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, e := range r.streams {
		if e.conn.Status() == StatusStreaming {
			n++
		}
	}
	return n
}

// Stop aborts the connection of streamID, cancels its pending retry and
// fallback polling, and forgets it. It reports whether the id was tracked.
func (r *Registry) Stop(streamID string) bool {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if e.conn.abort() {
		r.logger.Info("stream aborted", "stream_id", streamID)
	}
	return true
}

// StopAll stops every tracked stream and clears every fallback timer.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
		r.removeLocked(e)
	}
	r.retry.CancelAll()
	r.poller.DisableAll()
	r.mu.Unlock()

	for _, e := range entries {
		e.conn.abort()
	}
	if len(entries) > 0 {
		r.logger.Info("all streams stopped", "count", len(entries))
	}
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.streams, e.streamID)
	if e.retention != nil {
		e.retention.Stop()
	}
	r.retry.Reset(e.streamID)
	r.poller.Disable(e.messageID)
}

// Close stops every stream, interrupts pending reads and refuses further
// starts.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	if r.pruner != nil {
		r.pruner.Stop()
		r.pruner = nil
	}
	r.mu.Unlock()

	r.StopAll()
	r.cancel()
}

// Retry restarts a terminal stream from a fresh handle of its source and
// a fresh state, with its retry counter reset to zero. Sources that cannot
// be reopened fail the new attempt with source.ErrNotReplayable.
func (r *Registry) Retry(streamID string) error {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if !ok {
		r.mu.Unlock()
		return ErrStreamNotFound
	}
	if !e.conn.Status().Terminal() {
		r.mu.Unlock()
		return ErrNotTerminal
	}
	if r.activeLocked() >= r.opts.MaxConcurrentStreams {
		r.mu.Unlock()
		return ErrTooManyStreams
	}
	if e.retention != nil {
		e.retention.Stop()
		e.retention = nil
	}
	r.retry.Reset(streamID)
	c := r.connectLocked(e, 0)
	r.mu.Unlock()

	r.logger.Info("manual retry", "stream_id", streamID)
	go r.consume(c)
	return nil
}

// restart is the scheduled retry of a failed connection. A retry rejected
// by admission control counts as another failure.
func (r *Registry) restart(failed *connection) {
	r.mu.Lock()
	e, ok := r.streams[failed.streamID]
	if !ok || e.conn != failed || r.closed {
		r.mu.Unlock()
		return
	}
	if r.activeLocked() >= r.opts.MaxConcurrentStreams {
		r.mu.Unlock()
		r.logger.Warn("retry rejected by admission control", "stream_id", failed.streamID)
		r.afterFailure(failed, ErrTooManyStreams)
		return
	}
	c := r.connectLocked(e, r.retry.Attempts(failed.streamID))
	r.mu.Unlock()

	r.logger.Info("retrying stream", "stream_id", c.streamID, "attempt", c.attempt)
	go r.consume(c)
}

// apply folds ev into c and reports progress. It returns false when c was
// already terminal.
func (r *Registry) apply(c *connection, ev stream.Event) bool {
	f, ok := c.fold(r.reducer, ev)
	if !ok {
		return false
	}
	state := f.state

	r.mu.Lock()
	if f.tokens > 0 {
		r.totalTokens += f.tokens
	}
	opts := r.opts
	r.mu.Unlock()

	// Unrecognized events leave the revision alone and are never persisted.
	if f.advanced && state.Revision%opts.CheckpointEvery == 0 {
		r.enqueue(worker.Job{Checkpoint: r.checkpoint(c, state, false)})
	}

	percent := progress(StatusStreaming, c.startedAt, r.clock.Now(), opts.ConnectionTimeout)
	r.callbacks.progress(c.streamID, percent, state.TokenCount)
	return true
}

func (r *Registry) complete(c *connection) {
	state, ok := c.transition(StatusCompleted, nil)
	if !ok {
		return
	}

	r.mu.Lock()
	e, tracked := r.streams[c.streamID]
	current := tracked && e.conn == c
	if current {
		r.retry.Reset(c.streamID)
		r.poller.Disable(c.messageID)
		if ttl := r.opts.Retention; ttl > 0 {
			e.retention = r.clock.AfterFunc(ttl, func() { r.expire(c) })
		}
	}
	r.mu.Unlock()

	if !current {
		return
	}

	msg := state.Message(c.messageID)
	ev := eventstream.NewStreamEvent(eventstream.EventTypeStreamCompleted, c.streamID, c.messageID, r.clock.Now())
	ev.Attempt = c.attempt
	ev.Message = &msg
	ev.Tokens = state.TokenCount
	r.enqueue(worker.Job{Checkpoint: r.checkpoint(c, state, true), Event: ev})

	r.logger.Info("stream completed",
		"stream_id", c.streamID,
		"message_id", c.messageID,
		"tokens", state.TokenCount,
		"attempt", c.attempt,
	)
	r.callbacks.progress(c.streamID, 100, state.TokenCount)
	r.callbacks.complete(c.streamID, msg)
}

func (r *Registry) fail(c *connection, cause error) {
	if _, ok := c.transition(StatusError, cause); !ok {
		return
	}
	r.afterFailure(c, cause)
}

// afterFailure hands a failed connection to the retry policy.
func (r *Registry) afterFailure(c *connection, cause error) {
	r.mu.Lock()
	e, ok := r.streams[c.streamID]
	if !ok || e.conn != c {
		r.mu.Unlock()
		return
	}
	delay, attempt, scheduled := r.retry.Schedule(c.streamID, func() { r.restart(c) })
	e.retrying = scheduled
	if scheduled && r.opts.EnableFallback {
		r.poller.Enable(c.messageID)
	} else if !scheduled {
		r.poller.Disable(c.messageID)
	}
	r.mu.Unlock()

	_, state, _ := c.snapshot()

	if scheduled {
		r.logger.Warn("stream failed, retry scheduled",
			"stream_id", c.streamID,
			"attempt", attempt,
			"delay", delay,
			"error", cause,
		)
		ev := eventstream.NewStreamEvent(eventstream.EventTypeStreamRetrying, c.streamID, c.messageID, r.clock.Now())
		ev.Attempt = attempt
		ev.Error = cause.Error()
		ev.RetryDelayMs = delay.Milliseconds()
		ev.Tokens = state.TokenCount
		r.enqueue(worker.Job{Event: ev})
		r.callbacks.retry(c.streamID, attempt, delay)
		return
	}

	err := &StreamError{StreamID: c.streamID, Attempt: attempt, Err: cause}
	r.logger.Error("stream failed", "stream_id", c.streamID, "attempt", attempt, "error", cause)

	ev := eventstream.NewStreamEvent(eventstream.EventTypeStreamFailed, c.streamID, c.messageID, r.clock.Now())
	ev.Attempt = attempt
	ev.Error = cause.Error()
	ev.Tokens = state.TokenCount
	r.enqueue(worker.Job{Checkpoint: r.checkpoint(c, state, false), Event: ev})
	r.callbacks.error(c.streamID, err)
}

// expire forgets a completed stream and, unless another tracked stream
// still carries its message, the stored checkpoint of that message.
func (r *Registry) expire(c *connection) {
	r.mu.Lock()
	e, ok := r.streams[c.streamID]
	if !ok || e.conn != c {
		r.mu.Unlock()
		return
	}
	delete(r.streams, c.streamID)
	shared := false
	for _, other := range r.streams {
		if other.messageID == c.messageID {
			shared = true
			break
		}
	}
	r.mu.Unlock()

	r.logger.Debug("completed stream expired", "stream_id", c.streamID, "message_id", c.messageID)
	if !shared {
		r.enqueue(worker.Job{Forget: c.messageID})
	}
}

// schedulePruneLocked arms the periodic prune of stored checkpoints when a
// pool is configured and Retention is set.
func (r *Registry) schedulePruneLocked() {
	if r.pool == nil || r.closed || r.pruner != nil || r.opts.Retention <= 0 {
		return
	}
	r.pruner = r.clock.AfterFunc(r.opts.Retention, r.prune)
}

// prune drops checkpoints that have not been updated within Retention,
// such as those of failed or stopped streams.
func (r *Registry) prune() {
	r.mu.Lock()
	r.pruner = nil
	ttl := r.opts.Retention
	if r.closed || ttl <= 0 {
		r.mu.Unlock()
		return
	}
	cutoff := r.clock.Now().Add(-ttl)
	r.schedulePruneLocked()
	r.mu.Unlock()

	r.enqueue(worker.Job{PruneBefore: cutoff})
}

func (r *Registry) checkpoint(c *connection, state stream.State, final bool) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		MessageID: c.messageID,
		StreamID:  c.streamID,
		State:     state,
		Revision:  state.Revision,
		Final:     final,
		UpdatedAt: r.clock.Now(),
	}
}

func (r *Registry) enqueue(job worker.Job) {
	if r.pool != nil {
		r.pool.Enqueue(job)
	}
}

// EnableFallback starts polling messageID. It reports false when fallback
// is disabled by Options, no fetcher is configured, or polling is already
// running.
func (r *Registry) EnableFallback(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opts.EnableFallback {
		return false
	}
	return r.poller.Enable(messageID)
}

// DisableFallback stops polling messageID.
func (r *Registry) DisableFallback(messageID string) {
	r.poller.Disable(messageID)
}

// FallbackEnabled reports whether messageID is being polled.
func (r *Registry) FallbackEnabled(messageID string) bool {
	return r.poller.Enabled(messageID)
}

// applyFallback stores a polled checkpoint as the fallback view of every
// stream of its message. The primary state is never modified.
func (r *Registry) applyFallback(messageID string, cp *checkpoint.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.streams {
		if e.messageID != messageID {
			continue
		}
		if e.fallback == nil || checkpoint.Supersedes(cp, e.fallback) {
			e.fallback = cp
		}
	}
}

// progress estimates completion. Active connections never report more
// than 90 before they complete.
func progress(status Status, startedAt, now time.Time, timeout time.Duration) float64 {
	switch status {
	case StatusCompleted:
		return 100
	case StatusError, StatusAborted:
		return 0
	}
	if timeout <= 0 {
		return 0
	}
	p := float64(now.Sub(startedAt)) / float64(timeout) * 100
	return min(90, max(0, p))
}
