package chat

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// FprintTranscript prints turns in a readable chat-transcript form.
func FprintTranscript(w io.Writer, turns []*Turn) {
	for _, t := range turns {
		if t == nil {
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", t.Role, t.Content)
		for _, p := range t.Parts {
			fmt.Fprintf(w, "  %s\n", p.View())
		}
	}
}

// transcriptEntry is the YAML dump form of a turn; parts are flattened to
// their type and rendered view since the variants share no common fields.
type transcriptEntry struct {
	ID            TurnID   `yaml:"id,omitempty"`
	Role          Role     `yaml:"role"`
	Content       string   `yaml:"content"`
	Parts         []string `yaml:"parts,omitempty"`
	CorrelationID string   `yaml:"correlation_id,omitempty"`
}

// DumpTranscriptYAML renders turns as a YAML document, for debug dumps and
// the CLI transcript command.
func DumpTranscriptYAML(w io.Writer, turns []*Turn) error {
	entries := make([]transcriptEntry, 0, len(turns))
	for _, t := range turns {
		if t == nil {
			continue
		}
		e := transcriptEntry{
			ID:            t.ID,
			Role:          t.Role,
			Content:       t.Content,
			CorrelationID: t.CorrelationID,
		}
		for _, p := range t.Parts {
			e.Parts = append(e.Parts, fmt.Sprintf("%s: %s", p.PartType(), p.View()))
		}
		entries = append(entries, e)
	}
	return yaml.NewEncoder(w).Encode(entries)
}
