package transcribe

import (
	"encoding/json"
)

// Server event kinds and transcript types.
const (
	EventConnected  = "connected"
	EventTranscript = "transcript"

	TypePartial = "partial"
	TypeFinal   = "final"
)

const (
	// FramesFormatBytes announces raw binary PCM frames.
	FramesFormatBytes = "bytes"
	// DefaultLanguageBehaviour lets the service detect one language.
	DefaultLanguageBehaviour = "automatic single language"
)

// Configuration is the single handshake message sent on transport open.
type Configuration struct {
	Credential        string `json:"x_gladia_key"`
	FramesFormat      string `json:"frames_format"`
	LanguageBehaviour string `json:"language_behaviour"`
	SampleRate        int    `json:"sample_rate"`
}

// ServerMessage is the subset of server events the client consumes.
type ServerMessage struct {
	Event         string `json:"event"`
	Type          string `json:"type,omitempty"`
	Transcription string `json:"transcription,omitempty"`
}

func newConfiguration(credential, languageBehaviour string, sampleRate int) Configuration {
	if languageBehaviour == "" {
		languageBehaviour = DefaultLanguageBehaviour
	}
	return Configuration{
		Credential:        credential,
		FramesFormat:      FramesFormatBytes,
		LanguageBehaviour: languageBehaviour,
		SampleRate:        sampleRate,
	}
}

func parseServerMessage(raw []byte) (ServerMessage, error) {
	var msg ServerMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}
