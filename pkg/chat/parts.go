package chat

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeToolInvocation PartType = "tool-invocation"
	PartTypeSourceCitation PartType = "source-citation"
	PartTypeStepMarker     PartType = "step-marker"
)

// Part is a structured payload attached to a turn beyond its plain text.
// The set of variants is closed; consumers are expected to switch
// exhaustively over PartType.
type Part interface {
	PartType() PartType
	View() string
}

type TextPart struct {
	Text string `json:"text"`
}

func (p *TextPart) PartType() PartType { return PartTypeText }

func (p *TextPart) View() string { return p.Text }

var _ Part = (*TextPart)(nil)

type ReasoningPart struct {
	Text string `json:"text"`
}

func (p *ReasoningPart) PartType() PartType { return PartTypeReasoning }

func (p *ReasoningPart) View() string { return fmt.Sprintf("[reasoning] %s", p.Text) }

var _ Part = (*ReasoningPart)(nil)

type ToolInvocationPart struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result string          `json:"result,omitempty"`
}

func (p *ToolInvocationPart) PartType() PartType { return PartTypeToolInvocation }

func (p *ToolInvocationPart) View() string {
	return fmt.Sprintf("[tool %s id=%s] %s", p.Name, p.ToolID, p.Result)
}

var _ Part = (*ToolInvocationPart)(nil)

type SourceCitationPart struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

func (p *SourceCitationPart) PartType() PartType { return PartTypeSourceCitation }

func (p *SourceCitationPart) View() string { return fmt.Sprintf("[source] %s (%s)", p.Title, p.URL) }

var _ Part = (*SourceCitationPart)(nil)

type StepMarkerPart struct {
	Label string `json:"label"`
}

func (p *StepMarkerPart) PartType() PartType { return PartTypeStepMarker }

func (p *StepMarkerPart) View() string { return fmt.Sprintf("[step] %s", p.Label) }

var _ Part = (*StepMarkerPart)(nil)

// partEnvelope is the wire/storage form of a Part: the variant tag plus the
// variant's own fields flattened next to it.
type partEnvelope struct {
	Type    PartType        `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalPart encodes a single part into its tagged envelope.
func MarshalPart(p Part) ([]byte, error) {
	if p == nil {
		return nil, errors.New("cannot marshal nil part")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s part payload", p.PartType())
	}
	return json.Marshal(partEnvelope{Type: p.PartType(), Payload: payload})
}

// UnmarshalPart decodes a tagged envelope back into its concrete variant.
// Unknown tags are an error, never silently dropped.
func UnmarshalPart(b []byte) (Part, error) {
	var env partEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal part envelope")
	}

	var p Part
	switch env.Type {
	case PartTypeText:
		p = &TextPart{}
	case PartTypeReasoning:
		p = &ReasoningPart{}
	case PartTypeToolInvocation:
		p = &ToolInvocationPart{}
	case PartTypeSourceCitation:
		p = &SourceCitationPart{}
	case PartTypeStepMarker:
		p = &StepMarkerPart{}
	default:
		return nil, errors.Errorf("unknown part type %q", env.Type)
	}

	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s part payload", env.Type)
	}
	return p, nil
}

// MarshalParts encodes an ordered part list as a JSON array of envelopes.
func MarshalParts(parts []Part) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(parts))
	for _, p := range parts {
		b, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalParts decodes a JSON array of envelopes, preserving order.
func UnmarshalParts(b []byte) ([]Part, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal part list")
	}
	parts := make([]Part, 0, len(raw))
	for _, r := range raw {
		p, err := UnmarshalPart(r)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}
