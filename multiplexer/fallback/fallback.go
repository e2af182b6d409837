// Package fallback polls an alternate source of truth for the state of a
// message whose primary stream is suspected stalled.
package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/clock"
	"github.com/papercomputeco/spool/pkg/logger"
)

// Fetcher loads the latest known state of a message. It returns nil, nil
// when nothing is known yet.
type Fetcher interface {
	Fetch(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error)

func (f FetcherFunc) Fetch(ctx context.Context, messageID string) (*checkpoint.Checkpoint, error) {
	return f(ctx, messageID)
}

// Sink receives every non-nil fetch result.
type Sink func(messageID string, cp *checkpoint.Checkpoint)

// Config is the configuration for a Poller.
type Config struct {
	Fetcher  Fetcher
	Sink     Sink
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Poller runs one fixed-interval poll loop per enabled message id.
type Poller struct {
	mu       sync.Mutex
	fetcher  Fetcher
	sink     Sink
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	polls    map[string]*poll
}

type poll struct {
	timer  clock.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

const defaultInterval = 2 * time.Second

// New returns a Poller. Polling is disabled for every message until Enable.
func New(c Config) *Poller {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	return &Poller{
		fetcher:  c.Fetcher,
		sink:     c.Sink,
		interval: c.Interval,
		clock:    clock.OrReal(c.Clock),
		logger:   logger.OrNop(c.Logger),
		polls:    make(map[string]*poll),
	}
}

// SetInterval changes the interval used by ticks armed from now on.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		d = defaultInterval
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

// Enable starts polling messageID. It reports false, and leaves the existing
// timer alone, when polling is already enabled.
func (p *Poller) Enable(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.polls[messageID]; ok {
		return false
	}
	if p.fetcher == nil {
		p.logger.Warn("fallback polling requested without a fetcher", "message_id", messageID)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl := &poll{ctx: ctx, cancel: cancel}
	pl.timer = p.clock.AfterFunc(p.interval, func() { p.tick(messageID, pl) })
	p.polls[messageID] = pl

	p.logger.Debug("fallback polling enabled", "message_id", messageID, "interval", p.interval)
	return true
}

// Disable stops polling messageID. It is idempotent.
func (p *Poller) Disable(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableLocked(messageID)
}

// DisableAll stops every poll loop.
func (p *Poller) DisableAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.polls {
		p.disableLocked(id)
	}
}

// Enabled reports whether messageID is being polled.
func (p *Poller) Enabled(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.polls[messageID]
	return ok
}

// Count returns the number of active poll loops.
func (p *Poller) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.polls)
}

func (p *Poller) disableLocked(messageID string) {
	pl, ok := p.polls[messageID]
	if !ok {
		return
	}
	pl.timer.Stop()
	pl.cancel()
	delete(p.polls, messageID)
	p.logger.Debug("fallback polling disabled", "message_id", messageID)
}

func (p *Poller) current(messageID string, pl *poll) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[messageID] == pl
}

func (p *Poller) tick(messageID string, pl *poll) {
	if !p.current(messageID, pl) {
		return
	}

	p.mu.Lock()
	timeout := p.interval
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(pl.ctx, timeout)
	cp, err := p.fetcher.Fetch(ctx, messageID)
	cancel()

	switch {
	case err != nil:
		p.logger.Debug("fallback fetch failed", "message_id", messageID, "error", err)
	case cp != nil:
		if p.sink != nil && p.current(messageID, pl) {
			p.sink(messageID, cp)
		}
		if cp.Final {
			p.mu.Lock()
			if p.polls[messageID] == pl {
				p.disableLocked(messageID)
			}
			p.mu.Unlock()
			return
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polls[messageID] != pl {
		return
	}
	pl.timer.Reset(p.interval)
}
