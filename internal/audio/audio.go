package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means the platform refused audio capture.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrDeviceNotFound means the requested device id matched nothing.
	ErrDeviceNotFound = errors.New("audio device not found")
)

// DeviceKind distinguishes capture from playback devices.
type DeviceKind string

const (
	KindInput  DeviceKind = "audioinput"
	KindOutput DeviceKind = "audiooutput"
)

// AudioDevice represents an audio device
type AudioDevice struct {
	ID      string     `json:"id"`
	Name    string     `json:"label"`
	Kind    DeviceKind `json:"kind"`
	Default bool       `json:"default"`
}

// Constraints are processing hints for a capture stream.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// StreamRequest describes the stream to open. An empty DeviceID selects the
// default input; a zero SampleRate accepts the device default.
type StreamRequest struct {
	DeviceID    string
	SampleRate  int
	Channels    int
	Constraints Constraints
}

// Stream is a live capture handle. Frames carries interleaved samples in
// [-1, 1] and is closed once the stream stops.
type Stream interface {
	Name() string
	SampleRate() int
	Channels() int
	Frames() <-chan []float32
	// Close releases the device. Safe to call more than once.
	Close() error
}

// Backend defines the platform device layer
type Backend interface {
	Devices() ([]AudioDevice, error)
	Open(ctx context.Context, req StreamRequest) (Stream, error)
	Close() error
}
