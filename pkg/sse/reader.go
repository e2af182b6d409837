package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 1024 * 1024
)

// Reader parses SSE events from a source io.Reader. When constructed with
// NewTeeReader every raw line is also copied verbatim to a destination
// writer, which lets callers record the exact wire bytes of a stream while
// consuming parsed events.
type Reader struct {
	scanner *bufio.Scanner
	tee     io.Writer

	current Event
	pending bool
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader) *Reader {
	return NewTeeReader(src, nil)
}

// NewTeeReader returns a Reader over src that writes every consumed line,
// including comments and delimiters, to tee. A nil tee disables copying.
func NewTeeReader(src io.Reader, tee io.Writer) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)
	return &Reader{scanner: scanner, tee: tee}
}

// Next blocks until a complete event is available and returns it. At the
// end of src it returns io.EOF; an event left unterminated by a trailing
// blank line is still dispatched first.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if r.tee != nil {
			// Scanner strips the newline; put it back for a byte-exact copy.
			if _, err := io.WriteString(r.tee, line+"\n"); err != nil {
				return nil, err
			}
		}

		if line == "" {
			if ev, ok := r.dispatch(); ok {
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}
		r.field(line)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if ev, ok := r.dispatch(); ok {
		return ev, nil
	}
	return nil, io.EOF
}

func (r *Reader) dispatch() (*Event, bool) {
	if !r.pending {
		return nil, false
	}
	ev := r.current
	r.current = Event{}
	r.pending = false
	return &ev, true
}

// field accumulates one "name:value" line. A single space after the colon
// is stripped; a line without a colon is a field name with an empty value.
func (r *Reader) field(line string) {
	name, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch name {
	case "data":
		if r.pending && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
	case "event":
		r.current.Type = value
	case "id":
		r.current.ID = value
	case "retry":
		ms, err := strconv.Atoi(value)
		if err != nil || ms < 0 {
			return
		}
		r.current.Retry = time.Duration(ms) * time.Millisecond
	default:
		return
	}
	r.pending = true
}
