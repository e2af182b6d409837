// Package inmemory provides a map-backed checkpoint.Driver.
package inmemory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/papercomputeco/spool/pkg/checkpoint"
)

// Driver implements checkpoint.Driver using an in-memory map.
type Driver struct {
	mu sync.RWMutex

	// checkpoints maps message id to its latest checkpoint.
	checkpoints map[string]*checkpoint.Checkpoint
}

// NewDriver creates a new in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		checkpoints: make(map[string]*checkpoint.Checkpoint),
	}
}

var _ checkpoint.Driver = (*Driver)(nil)

func (d *Driver) Put(_ context.Context, cp *checkpoint.Checkpoint) (bool, error) {
	if cp == nil {
		return false, checkpoint.ErrNilCheckpoint
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !checkpoint.Supersedes(cp, d.checkpoints[cp.MessageID]) {
		return false, nil
	}

	stored := *cp
	d.checkpoints[cp.MessageID] = &stored
	return true, nil
}

func (d *Driver) Get(_ context.Context, messageID string) (*checkpoint.Checkpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cp, ok := d.checkpoints[messageID]
	if !ok {
		return nil, checkpoint.NotFoundError{MessageID: messageID}
	}

	out := *cp
	return &out, nil
}

func (d *Driver) List(_ context.Context) ([]*checkpoint.Checkpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*checkpoint.Checkpoint, 0, len(d.checkpoints))
	for _, cp := range d.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *checkpoint.Checkpoint) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.MessageID, b.MessageID))
	})
	return out, nil
}

func (d *Driver) Delete(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.checkpoints, messageID)
	return nil
}

func (d *Driver) Prune(_ context.Context, cutoff time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, cp := range d.checkpoints {
		if cp.UpdatedAt.Before(cutoff) {
			delete(d.checkpoints, id)
			n++
		}
	}
	return n, nil
}

func (d *Driver) Close() error { return nil }
