// Package sse reads text/event-stream bodies one event at a time.
//
// The reader is line-oriented and forward-only. It never reconnects; callers
// resume a stream by reopening it with the last seen event id.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
)

// DefaultEventName is used when a block carries no event field.
const DefaultEventName = "message"

// Event is one dispatched block.
type Event struct {
	Event string `json:"event"`
	// ID is nil when the block had no non-blank id field.
	ID      *string `json:"id"`
	RawData string  `json:"rawData"`
	// Data is the JSON decoding of RawData (numbers as json.Number), nil for
	// the literal null, or RawData itself when it is not JSON.
	Data any `json:"data"`
}

// Reader parses events from an underlying stream. It is not safe for
// concurrent use.
type Reader struct {
	br   *bufio.Reader
	done bool

	name       string
	id         *string
	data       []string
	sawComment bool
	sawField   bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r), name: DefaultEventName}
}

// Next returns the next event. After the stream ends and any partial block
// has been flushed it returns io.EOF. Read errors from the underlying stream
// are returned as is.
func (r *Reader) Next() (*Event, error) {
	for !r.done {
		line, err := r.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if errors.Is(err, io.EOF) {
			r.done = true
			if line == "" {
				break
			}
		}
		if ev, ok := r.feed(line); ok {
			return ev, nil
		}
	}
	// Flush whatever the stream ended on, once.
	if ev, ok := r.dispatch(); ok {
		return ev, nil
	}
	return nil, io.EOF
}

// All yields events until the stream ends. A read error is yielded once and
// ends the sequence.
func (r *Reader) All() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// feed consumes one raw line and reports whether it completed an event.
func (r *Reader) feed(raw string) (*Event, bool) {
	line := strings.TrimRight(strings.ToValidUTF8(raw, "�"), "\r\n")
	if line == "" {
		return r.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		r.sawComment = true
		return nil, false
	}
	r.sawField = true

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	} else {
		value = ""
	}
	switch field {
	case "event":
		r.name = strings.TrimSpace(value)
		if r.name == "" {
			r.name = DefaultEventName
		}
	case "id":
		if id := strings.TrimSpace(value); id != "" {
			r.id = &id
		} else {
			r.id = nil
		}
	case "data":
		r.data = append(r.data, value)
	}
	return nil, false
}

// dispatch emits the pending block and resets state. A block without data
// lines is dropped when it held a comment or held no field at all.
func (r *Reader) dispatch() (*Event, bool) {
	defer r.reset()
	if len(r.data) == 0 {
		if r.sawComment || !r.sawField {
			return nil, false
		}
		return &Event{Event: r.name, ID: r.id}, true
	}
	raw := strings.Join(r.data, "\n")
	return &Event{Event: r.name, ID: r.id, RawData: raw, Data: DecodeData(raw)}, true
}

func (r *Reader) reset() {
	r.name = DefaultEventName
	r.id = nil
	r.data = nil
	r.sawComment = false
	r.sawField = false
}

// DecodeData decodes an event payload. "null" is nil; a complete JSON value
// is decoded; anything else comes back unchanged as a string.
func DecodeData(raw string) any {
	if raw == "null" {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return raw
	}
	return v
}

// Collect drains r. It is meant for tests and short finite streams.
func Collect(r io.Reader) ([]*Event, error) {
	var out []*Event
	for ev, err := range NewReader(r).All() {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
