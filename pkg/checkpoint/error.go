package checkpoint

import "errors"

// NotFoundError is returned when no checkpoint exists for a message.
type NotFoundError struct {
	MessageID string
}

func (e NotFoundError) Error() string {
	if e.MessageID == "" {
		return "checkpoint not found"
	}

	return "checkpoint not found: " + e.MessageID
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// ErrNilCheckpoint is returned by Put for a nil checkpoint.
var ErrNilCheckpoint = errors.New("cannot store nil checkpoint")
