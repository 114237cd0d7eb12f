package events

import "sync"

// Sink represents a destination for completion events. Implementations can
// forward events to watermill, an HTTP response stream, or a test collector.
type Sink interface {
	// PublishEvent publishes an event to the sink.
	// Returns an error if the event could not be published.
	PublishEvent(event Event) error
}

// CollectorSink accumulates events in memory. Used by tests and the CLI
// transcript view.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCollectorSink() *CollectorSink {
	return &CollectorSink{}
}

func (c *CollectorSink) PublishEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a snapshot of the collected events.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

var _ Sink = (*CollectorSink)(nil)

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) PublishEvent(event Event) error { return f(event) }

var _ Sink = SinkFunc(nil)
