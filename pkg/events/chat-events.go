package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/parley/pkg/chat"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal cover the happy path of one streamed
	// completion.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypePart              EventType = "part"
	EventTypeFinal             EventType = "final"

	// EventTypeInterrupt is published when the caller cancels mid-stream,
	// EventTypeError when the backend fails. Both are terminal markers, so a
	// consumer can distinguish a truncated stream from a completed one.
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was deserialized from, if any (see NewEventFromJSON)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType { return e.Type_ }

func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }

func (e *EventImpl) Payload() []byte { return e.payload }

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

// EventPartialCompletion carries one text delta plus the completion
// accumulated so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

// EventPart carries a structured part observed during the stream (reasoning
// fragment, tool invocation, citation, step marker).
type EventPart struct {
	EventImpl
	Part chat.Part `json:"-"`

	// RawPart is the tagged-envelope encoding of Part, used on the wire.
	RawPart json.RawMessage `json:"part"`
}

func NewPartEvent(metadata EventMetadata, part chat.Part) (*EventPart, error) {
	raw, err := chat.MarshalPart(part)
	if err != nil {
		return nil, err
	}
	return &EventPart{
		EventImpl: EventImpl{Type_: EventTypePart, Metadata_: metadata},
		Part:      part,
		RawPart:   raw,
	}, nil
}

var _ Event = &EventPart{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

// NewEventFromJSON decodes a serialized event back into its concrete type.
func NewEventFromJSON(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read event header")
	}

	decode := func(ev Event, target any) (Event, error) {
		if err := json.Unmarshal(b, target); err != nil {
			return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
		}
		return ev, nil
	}

	switch hdr.Type {
	case EventTypeStart:
		e := &EventStart{}
		e.payload = b
		return decode(e, e)
	case EventTypePartialCompletion:
		e := &EventPartialCompletion{}
		e.payload = b
		return decode(e, e)
	case EventTypePart:
		e := &EventPart{}
		e.payload = b
		if _, err := decode(e, e); err != nil {
			return nil, err
		}
		part, err := chat.UnmarshalPart(e.RawPart)
		if err != nil {
			return nil, err
		}
		e.Part = part
		return e, nil
	case EventTypeFinal:
		e := &EventFinal{}
		e.payload = b
		return decode(e, e)
	case EventTypeInterrupt:
		e := &EventInterrupt{}
		e.payload = b
		return decode(e, e)
	case EventTypeError:
		e := &EventError{}
		e.payload = b
		return decode(e, e)
	default:
		return nil, errors.Errorf("unknown event type %q", hdr.Type)
	}
}
