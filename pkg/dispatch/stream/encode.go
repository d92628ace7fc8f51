package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Encoder frames a single event onto a transport.
type Encoder interface {
	Encode(w io.Writer, ev Event) error
}

// NDJSON frames each event as one JSON object per line.
type NDJSON struct{}

// Encode implements Encoder.
func (NDJSON) Encode(w io.Writer, ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

// SSE frames events as server-sent events. String payloads are written raw,
// everything else as JSON.
type SSE struct{}

// Encode implements Encoder.
func (SSE) Encode(w io.Writer, ev Event) error {
	var data []byte
	if s, ok := ev.Data.(string); ok {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
	}
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

type flusher interface {
	Flush()
}

// Drain copies events to out until the channel closes or ctx is done.
// If out has a Flush method (http.Flusher) it is called after every event.
func Drain(ctx context.Context, events <-chan Event, out io.Writer, enc Encoder) error {
	f, _ := out.(flusher)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(out, ev); err != nil {
				return err
			}
			if f != nil {
				f.Flush()
			}
		}
	}
}

// Collect reads every event until the channel closes.
func Collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}
