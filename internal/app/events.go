package app

import (
	"sync"

	"github.com/petems/meetscribe/internal/pipeline"
	"github.com/petems/meetscribe/internal/transcript"
)

type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventArtifact   EventType = "artifact"
	EventError      EventType = "error"
)

// Event is one entry of the live feed.
type Event struct {
	Type       EventType          `json:"type"`
	SessionID  string             `json:"session_id,omitempty"`
	State      string             `json:"state,omitempty"`
	Transcript *transcript.Event  `json:"transcript,omitempty"`
	Artifact   *pipeline.Artifact `json:"artifact,omitempty"`
	Error      string             `json:"error,omitempty"`
}

const subscriberBuffer = 64

// hub fans events out to subscribers. Slow subscribers lose events rather
// than stall the transcription reader.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
