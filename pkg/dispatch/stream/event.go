// Package stream carries incremental run events from the dispatcher to a
// transport. The dispatcher writes into a bounded channel; a transport
// adapter drains it with an Encoder.
package stream

// EventType names a stream event.
type EventType string

// Stream event types, in the order a caller typically sees them.
const (
	EventFastAnswer     EventType = "fastAnswer"
	EventFlowNodeStatus EventType = "flowNodeStatus"
	EventFlowResponses  EventType = "flowResponses"
	EventInteractive    EventType = "interactive"
	EventAnswer         EventType = "answer"
)

// Done is the payload of the terminal answer event.
const Done = "[DONE]"

// Event is one framed stream message.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"event"`
	Data any       `json:"data"`
}

// Delta is the payload of a fastAnswer event.
type Delta struct {
	Delta string `json:"delta"`
}

// StatusAwaitingInput is the flowNodeStatus of a node that suspended the
// run. Other statuses are the dispatcher's node statuses.
const StatusAwaitingInput = "awaitingInput"

// NodeStatus is the payload of a flowNodeStatus event.
type NodeStatus struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Prompt is the payload of an interactive event.
type Prompt struct {
	NodeID      string `json:"nodeId"`
	Prompt      string `json:"prompt"`
	Interactive any    `json:"interactive,omitempty"`
}
