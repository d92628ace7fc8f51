package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when writing to a closed Writer.
var ErrClosed = errors.New("stream writer closed")

// DefaultBuffer is the channel capacity used when NewWriter gets a non-positive size.
const DefaultBuffer = 64

// Writer is an ordered, append-only event channel.
//
// Writes are serialized, so events from concurrently running nodes never
// interleave within a single Write. A full buffer blocks the writer until
// the reader catches up or the write context is cancelled. An event that
// fits in the buffer is always written, even on a cancelled context.
//
// All helper methods are safe to call on a nil *Writer, which discards events.
type Writer struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewWriter creates a writer with the given buffer size.
func NewWriter(buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Writer{ch: make(chan Event, buffer)}
}

// Events returns the read side of the stream. It is closed by Close.
func (w *Writer) Events() <-chan Event {
	return w.ch
}

// Write appends an event, assigning an ID when empty.
func (w *Writer) Write(ctx context.Context, ev Event) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return w.send(ctx, ev)
}

// send prefers a free buffer slot over a done context.
func (w *Writer) send(ctx context.Context, ev Event) error {
	select {
	case w.ch <- ev:
		return nil
	default:
	}
	select {
	case w.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes the single done sentinel and closes the channel.
// Calling Close more than once is a no-op. If the buffer is full and ctx is
// cancelled before the sentinel can be written, the channel is closed
// without it.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	defer close(w.ch)

	return w.send(ctx, Event{ID: uuid.NewString(), Type: EventAnswer, Data: Done})
}

// Closed reports whether Close has been called.
func (w *Writer) Closed() bool {
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// FastAnswer writes an incremental answer chunk.
func (w *Writer) FastAnswer(ctx context.Context, delta string) error {
	if w == nil || delta == "" {
		return nil
	}
	return w.Write(ctx, Event{Type: EventFastAnswer, Data: Delta{Delta: delta}})
}

// NodeStatus writes a node progress event.
func (w *Writer) NodeStatus(ctx context.Context, nodeID, name, status string) error {
	if w == nil {
		return nil
	}
	return w.Write(ctx, Event{Type: EventFlowNodeStatus, Data: NodeStatus{NodeID: nodeID, Name: name, Status: status}})
}

// FlowResponses writes the run's audit trail.
func (w *Writer) FlowResponses(ctx context.Context, responses any) error {
	if w == nil {
		return nil
	}
	return w.Write(ctx, Event{Type: EventFlowResponses, Data: responses})
}

// Interactive writes a suspension prompt.
func (w *Writer) Interactive(ctx context.Context, nodeID, prompt string, payload any) error {
	if w == nil {
		return nil
	}
	return w.Write(ctx, Event{Type: EventInteractive, Data: Prompt{NodeID: nodeID, Prompt: prompt, Interactive: payload}})
}
