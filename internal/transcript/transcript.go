// Package transcript holds the values shared between the recording session
// and the post-session pipeline.
package transcript

import (
	"strings"
	"time"
)

// Role identifies which audio source a channel transcribes.
type Role string

const (
	RoleMic    Role = "mic"
	RoleSystem Role = "system"
)

func (r Role) String() string { return string(r) }

// Label is the human-readable source name used in UIs and documents.
func (r Role) Label() string {
	switch r {
	case RoleMic:
		return "Microphone"
	case RoleSystem:
		return "System audio"
	default:
		return string(r)
	}
}

// Segment is one finalized utterance. Index orders segments within a role.
type Segment struct {
	Role  Role   `json:"role"`
	Text  string `json:"text"`
	Index int    `json:"index"`
}

// Kind of a transcript event.
type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
)

// Event is emitted by a channel for every transcript update.
type Event struct {
	Role Role   `json:"role"`
	Kind Kind   `json:"kind"`
	Text string `json:"text"`
	// Index is the segment index for finals, -1 for partials.
	Index int `json:"index"`
}

// Transcript is the read-only result of an ended session.
type Transcript struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Mic       []Segment `json:"mic"`
	System    []Segment `json:"system"`
}

// Text concatenates the microphone segments followed by the system
// segments, one segment per line. No chronological interleaving is attempted.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, segs := range [][]Segment{t.Mic, t.System} {
		for _, s := range segs {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Empty reports whether neither role produced a final segment.
func (t Transcript) Empty() bool {
	return len(t.Mic) == 0 && len(t.System) == 0
}

// Segments returns every segment, mic first.
func (t Transcript) Segments() []Segment {
	out := make([]Segment, 0, len(t.Mic)+len(t.System))
	out = append(out, t.Mic...)
	return append(out, t.System...)
}

// Duration of the recording, zero if the session never recorded.
func (t Transcript) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.Before(t.StartedAt) {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
