package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
)

const dataPrefix = "data:"

// Decoder turns arbitrarily fragmented reads into events. Incomplete trailing
// lines are held until the rest arrives; malformed lines are dropped.
type Decoder struct {
	buf []byte
}

func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)
	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if ev, ok := parseLine(line); ok {
			events = append(events, ev)
		}
	}
	// Reset the backing array once drained so it doesn't grow forever
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush parses whatever is left once the source is exhausted
func (d *Decoder) Flush() []Event {
	line := d.buf
	d.buf = nil
	if ev, ok := parseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

func parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" {
		return Event{}, false
	}
	return ev, true
}

// Accumulator rebuilds the response from received events. Cumulative fields
// win over concatenated deltas so dropped frames are recovered.
type Accumulator struct {
	text           string
	Title          string
	ConversationID string
	Done           bool
	Err            *Error
	Tools          []string
}

func (a *Accumulator) Apply(ev Event) {
	switch ev.Type {
	case TypeTextDelta:
		var d TextDelta
		if ev.Decode(&d) != nil {
			return
		}
		if d.FullTextSoFar != "" {
			a.text = d.FullTextSoFar
			return
		}
		a.text += d.Delta
	case TypeToolStart:
		var t ToolStart
		if ev.Decode(&t) == nil {
			a.Tools = append(a.Tools, t.ToolName)
		}
	case TypeTitleGenerated:
		var t TitleGenerated
		if ev.Decode(&t) == nil {
			a.Title = t.Title
			a.ConversationID = t.ConversationID
		}
	case TypeDone:
		var d Done
		if ev.Decode(&d) != nil {
			return
		}
		a.Done = true
		if d.FullResponse != "" {
			a.text = d.FullResponse
		}
		if d.ConversationID != "" {
			a.ConversationID = d.ConversationID
		}
	case TypeError:
		var e Error
		if ev.Decode(&e) == nil {
			a.Err = &e
		}
	}
}

func (a *Accumulator) Text() string {
	return a.text
}

var ErrUnterminated = errors.New("stream ended without a terminal event")

// Consume reads r until a terminal event or EOF, passing every event to fn
// (which may be nil). Cancelling ctx stops between reads.
func Consume(ctx context.Context, r io.Reader, fn func(Event) error) (*Accumulator, error) {
	acc := &Accumulator{}
	var dec Decoder
	buf := make([]byte, 4096)

	handle := func(events []Event) (bool, error) {
		for _, ev := range events {
			acc.Apply(ev)
			if fn != nil {
				if err := fn(ev); err != nil {
					return true, err
				}
			}
			if ev.Type.Terminal() {
				return true, nil
			}
		}
		return false, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return acc, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if stop, ferr := handle(dec.Feed(buf[:n])); stop {
				return acc, ferr
			}
		}
		if errors.Is(err, io.EOF) {
			if stop, ferr := handle(dec.Flush()); stop {
				return acc, ferr
			}
			return acc, ErrUnterminated
		}
		if err != nil {
			return acc, err
		}
	}
}
