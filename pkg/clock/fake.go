package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Timers fire synchronously on the
// goroutine that calls Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer

	// armed records the delay of every AfterFunc and Reset call.
	armed []time.Duration
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	c        *Fake
	id       int
	deadline time.Time
	f        func()
	active   bool
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	t := &fakeTimer{c: f, id: f.seq, deadline: f.now.Add(d), f: fn, active: true}
	f.timers = append(f.timers, t)
	f.armed = append(f.armed, d)
	return t
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has been reached. Timers armed by fired callbacks are honored if
// they fall within the same window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		next.active = false
		f.now = next.deadline
		f.mu.Unlock()

		next.f()
	}
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var due *fakeTimer
	for _, t := range f.timers {
		if !t.active || t.deadline.After(target) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) || (t.deadline.Equal(due.deadline) && t.id < due.id) {
			due = t
		}
	}
	f.timers = slices.DeleteFunc(f.timers, func(t *fakeTimer) bool { return !t.active && t != due })
	return due
}

// Pending returns the remaining delay of every armed timer, soonest first.
func (f *Fake) Pending() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []time.Duration
	for _, t := range f.timers {
		if t.active {
			out = append(out, t.deadline.Sub(f.now))
		}
	}
	slices.Sort(out)
	return out
}

// Armed returns the delays passed to AfterFunc and Reset so far.
func (f *Fake) Armed() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.armed)
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.deadline = t.c.now.Add(d)
	t.active = true
	t.c.armed = append(t.c.armed, d)
	if !slices.Contains(t.c.timers, t) {
		t.c.timers = append(t.c.timers, t)
	}
	return was
}
