// Package checkpoint stores the latest materialized state of in-flight and
// recently finished messages. It is what the fallback poller reads when a
// primary stream is suspected stalled.
package checkpoint

import (
	"context"
	"time"

	"github.com/papercomputeco/spool/pkg/stream"
)

// Checkpoint is a snapshot of one message's state.
type Checkpoint struct {
	MessageID string       `json:"message_id"`
	StreamID  string       `json:"stream_id"`
	State     stream.State `json:"state"`

	// Revision mirrors State.Revision. A store only replaces a non-final
	// checkpoint with a higher revision or a final one, and a final
	// checkpoint only with another final one.
	Revision int `json:"revision"`

	// Final marks the state of a completed stream.
	Final bool `json:"final"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Driver persists checkpoints keyed by message id.
type Driver interface {
	// Put stores cp if it supersedes the stored checkpoint for the same
	// message. It reports whether cp was written.
	Put(ctx context.Context, cp *Checkpoint) (bool, error)

	// Get returns the checkpoint for messageID or a NotFoundError.
	Get(ctx context.Context, messageID string) (*Checkpoint, error)

	// List returns every stored checkpoint, most recently updated first.
	List(ctx context.Context) ([]*Checkpoint, error)

	// Delete removes the checkpoint for messageID. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, messageID string) error

	// Prune removes checkpoints last updated before cutoff and returns how
	// many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the driver's resources.
	Close() error
}

// Supersedes reports whether next should replace prev.
func Supersedes(next, prev *Checkpoint) bool {
	if prev == nil {
		return true
	}
	if next.Final {
		return true
	}
	return !prev.Final && next.Revision > prev.Revision
}
