package multiplexer

import (
	"slices"
	"strings"
	"time"

	"github.com/papercomputeco/spool/pkg/checkpoint"
	"github.com/papercomputeco/spool/pkg/stream"
)

// Snapshot is a point-in-time view of one tracked stream.
type Snapshot struct {
	StreamID  string    `json:"stream_id"`
	MessageID string    `json:"message_id"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"`
	Retrying  bool      `json:"retrying"`
	StartedAt time.Time `json:"started_at"`
	Progress  float64   `json:"progress"`

	// State is the fresher of the primary state and the last fallback
	// checkpoint.
	State stream.State `json:"state"`

	Error string `json:"error,omitempty"`

	// FromFallback is set when State came from fallback polling.
	FromFallback bool `json:"from_fallback"`
}

// Stats summarizes the registry.
type Stats struct {
	IsStreaming      bool `json:"is_streaming"`
	ActiveStreams    int  `json:"active_streams"`
	CompletedStreams int  `json:"completed_streams"`
	TotalTokens      int  `json:"total_tokens"`
}

// Progress returns the estimated completion of streamID in percent: 0 for
// unknown, failed or aborted streams, 100 once completed, and at most 90
// while streaming.
func (r *Registry) Progress(streamID string) float64 {
	r.mu.Lock()
	e, ok := r.streams[streamID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	c := e.conn
	timeout := r.opts.ConnectionTimeout
	r.mu.Unlock()

	return progress(c.Status(), c.startedAt, r.clock.Now(), timeout)
}

// Stats returns the aggregate counters of the registry.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{TotalTokens: r.totalTokens}
	for _, e := range r.streams {
		switch e.conn.Status() {
		case StatusStreaming:
			s.ActiveStreams++
		case StatusCompleted:
			s.CompletedStreams++
		}
	}
	s.IsStreaming = s.ActiveStreams > 0
	return s
}

// Get returns a snapshot of streamID.
func (r *Registry) Get(streamID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[streamID]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshotLocked(e), true
}

// List returns a snapshot of every tracked stream ordered by stream id.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.streams))
	for _, e := range r.streams {
		out = append(out, r.snapshotLocked(e))
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.StreamID, b.StreamID) })
	return out
}

// Message returns the flattened message of the stream that carries
// messageID.
func (r *Registry) Message(messageID string) (stream.Message, bool) {
	cp, ok := r.Checkpoint(messageID)
	if !ok {
		return stream.Message{}, false
	}
	return cp.State.Message(messageID), true
}

// Checkpoint returns the freshest known state of messageID as a checkpoint.
// When several tracked streams carry the same message the one that
// supersedes the others wins.
func (r *Registry) Checkpoint(messageID string) (*checkpoint.Checkpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *checkpoint.Checkpoint
	for _, e := range r.streams {
		if e.messageID != messageID {
			continue
		}
		snap := r.snapshotLocked(e)
		cp := &checkpoint.Checkpoint{
			MessageID: messageID,
			StreamID:  e.streamID,
			State:     snap.State,
			Revision:  snap.State.Revision,
			Final:     snap.Status == StatusCompleted || (snap.FromFallback && e.fallback.Final),
			UpdatedAt: r.clock.Now(),
		}
		if checkpoint.Supersedes(cp, best) {
			best = cp
		}
	}
	return best, best != nil
}

func (r *Registry) snapshotLocked(e *entry) Snapshot {
	c := e.conn
	status, state, err := c.snapshot()

	snap := Snapshot{
		StreamID:  e.streamID,
		MessageID: e.messageID,
		Status:    status,
		Attempt:   c.attempt,
		Retrying:  e.retrying,
		StartedAt: c.startedAt,
		Progress:  progress(status, c.startedAt, r.clock.Now(), r.opts.ConnectionTimeout),
		State:     state,
	}
	if err != nil {
		snap.Error = err.Error()
	}
	if fresherFallback(status, state, e.fallback) {
		snap.State = e.fallback.State
		snap.FromFallback = true
	}
	return snap
}

// fresherFallback reports whether a polled checkpoint should be shown in
// place of the primary state.
func fresherFallback(status Status, primary stream.State, fb *checkpoint.Checkpoint) bool {
	if fb == nil || status == StatusCompleted {
		return false
	}
	return fb.Final || fb.Revision > primary.Revision
}
