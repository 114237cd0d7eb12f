package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/events"
)

// sseSink forwards completion events to the HTTP response as server-sent
// events, in arrival order, flushing after each one. No buffering happens
// beyond what the transport framing itself requires.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher}
}

func (s *sseSink) writeEvent(name string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("event", name).Msg("failed to marshal SSE payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		log.Debug().Err(err).Msg("client went away during SSE write")
		return
	}
	s.flusher.Flush()
}

func (s *sseSink) PublishEvent(event events.Event) error {
	s.writeEvent(string(event.Type()), event)
	return nil
}

// writeDone emits the terminal metadata event the client needs to reconcile
// its optimistic state.
func (s *sseSink) writeDone(done exchangeDoneDTO) {
	s.writeEvent("done", done)
}

// writeTerminalError marks the stream as terminated by an error, so the
// client can distinguish failure from silent truncation.
func (s *sseSink) writeTerminalError(err error) {
	s.writeEvent("exchange-error", map[string]string{"error": err.Error()})
}

var _ events.Sink = (*sseSink)(nil)
