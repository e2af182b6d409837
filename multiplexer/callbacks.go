package multiplexer

import (
	"time"

	"github.com/papercomputeco/spool/pkg/stream"
)

// Callbacks are the hooks presentation collaborators receive. Every field
// is optional. They are invoked without any registry lock held, from the
// goroutine of the connection concerned, so events of one stream arrive in
// order.
type Callbacks struct {
	// OnProgress fires after every folded event and on completion with 100.
	OnProgress func(streamID string, percent float64, tokens int)

	// OnComplete fires once with the flattened final message.
	OnComplete func(streamID string, msg stream.Message)

	// OnError fires once retries are exhausted. err is a *StreamError.
	OnError func(streamID string, err error)

	// OnRetry fires when a retry is scheduled.
	OnRetry func(streamID string, attempt int, delay time.Duration)
}

func (c Callbacks) progress(id string, percent float64, tokens int) {
	if c.OnProgress != nil {
		c.OnProgress(id, percent, tokens)
	}
}

func (c Callbacks) complete(id string, msg stream.Message) {
	if c.OnComplete != nil {
		c.OnComplete(id, msg)
	}
}

func (c Callbacks) error(id string, err error) {
	if c.OnError != nil {
		c.OnError(id, err)
	}
}

func (c Callbacks) retry(id string, attempt int, delay time.Duration) {
	if c.OnRetry != nil {
		c.OnRetry(id, attempt, delay)
	}
}
