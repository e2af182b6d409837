// Package sse parses Server-Sent Events from an upstream byte stream. It is
// read-only: spool consumes SSE from inference backends but never serves it.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import "time"

// Event is one dispatched SSE event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data joins every "data:" line of the event with "\n".
	Data string

	// ID is the "id:" field, if present.
	ID string

	// Retry is the reconnection time advertised with a "retry:" field.
	Retry time.Duration
}

// Done reports whether the event is the "[DONE]" sentinel some backends send
// after their last payload.
func (e *Event) Done() bool {
	return e.Data == "[DONE]"
}
