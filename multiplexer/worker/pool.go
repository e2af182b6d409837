// Package worker provides an asynchronous worker pool that persists stream
// checkpoints using the provided checkpoint.Driver and publishes lifecycle
// events using the provided eventstream.Publisher.
//
// The pool decouples storage and publishing from the consume loop of a
// stream connection so that event folding never waits on I/O.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/logger"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
	defaultJobTimeout        = 10 * time.Second
)

// Job is a unit of work for the worker pool to execute against. Any field
// may be left zero.
type Job struct {
	Checkpoint *checkpoint.Checkpoint
	Event      *eventstream.StreamEvent

	// Forget deletes the stored checkpoint of this message id.
	Forget string

	// PruneBefore deletes every checkpoint last updated before it.
	PruneBefore time.Time
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Driver is the checkpoint store. Checkpoint jobs are dropped when nil.
	Driver checkpoint.Driver

	// Publisher receives lifecycle events. Event jobs are dropped when nil.
	Publisher eventstream.Publisher

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// JobTimeout bounds each store or publish call (defaults to 10s).
	JobTimeout time.Duration

	Logger *slog.Logger
}

// Pool processes checkpoint and publish jobs asynchronously.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: logger.OrNop(c.Logger),
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full or the pool is
// closed, resulting in the job being dropped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queue <- job:
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped", jobAttrs(job)...)
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", "worker_id", id)

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("worker stopped", "worker_id", id)
}

// processJob stores the checkpoint, then publishes the event. A failed store
// does not prevent publishing. Removals run last.
func (p *Pool) processJob(job Job) {
	if cp := job.Checkpoint; cp != nil && p.config.Driver != nil {
		p.storeCheckpoint(cp)
	}
	if ev := job.Event; ev != nil && p.config.Publisher != nil {
		p.publish(ev)
	}
	if job.Forget != "" && p.config.Driver != nil {
		p.forget(job.Forget)
	}
	if !job.PruneBefore.IsZero() && p.config.Driver != nil {
		p.prune(job.PruneBefore)
	}
}

func (p *Pool) forget(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	if err := p.config.Driver.Delete(ctx, messageID); err != nil {
		p.logger.Error("checkpoint delete failed", "message_id", messageID, "error", err)
		return
	}
	p.logger.Debug("checkpoint deleted", "message_id", messageID)
}

func (p *Pool) prune(cutoff time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	n, err := p.config.Driver.Prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("checkpoint prune failed", "cutoff", cutoff, "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("pruned checkpoints", "count", n, "cutoff", cutoff)
	}
}

func (p *Pool) storeCheckpoint(cp *checkpoint.Checkpoint) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	written, err := p.config.Driver.Put(ctx, cp)
	if err != nil {
		p.logger.Error("checkpoint storage failed",
			"message_id", cp.MessageID,
			"stream_id", cp.StreamID,
			"error", err,
		)
		return
	}

	p.logger.Debug("checkpoint stored",
		"message_id", cp.MessageID,
		"revision", cp.Revision,
		"final", cp.Final,
		"written", written,
	)
}

func (p *Pool) publish(ev *eventstream.StreamEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.JobTimeout)
	defer cancel()

	if err := p.config.Publisher.Publish(ctx, ev); err != nil {
		p.logger.Warn("lifecycle event publish failed",
			"event_type", ev.EventType,
			"stream_id", ev.StreamID,
			"error", err,
		)
		return
	}

	p.logger.Debug("lifecycle event published",
		"event_type", ev.EventType,
		"stream_id", ev.StreamID,
	)
}

func jobAttrs(job Job) []any {
	var attrs []any
	if cp := job.Checkpoint; cp != nil {
		attrs = append(attrs, "message_id", cp.MessageID, "revision", cp.Revision)
	}
	if ev := job.Event; ev != nil {
		attrs = append(attrs, "event_type", ev.EventType, "stream_id", ev.StreamID)
	}
	if job.Forget != "" {
		attrs = append(attrs, "forget", job.Forget)
	}
	if !job.PruneBefore.IsZero() {
		attrs = append(attrs, "prune_before", job.PruneBefore)
	}
	return attrs
}
