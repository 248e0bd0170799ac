// Package audiotest provides in-memory audio backends for tests.
package audiotest

import (
	"context"
	"fmt"
	"sync"

	"github.com/petems/meetscribe/internal/audio"
)

// Stream is a fake capture stream fed through Push.
type Stream struct {
	name       string
	sampleRate int
	channels   int

	mu     sync.Mutex
	frames chan []float32
	closed bool
}

func NewStream(name string, sampleRate, channels int) *Stream {
	return &Stream{
		name:       name,
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make(chan []float32, 64),
	}
}

func (s *Stream) Name() string             { return s.name }
func (s *Stream) SampleRate() int          { return s.sampleRate }
func (s *Stream) Channels() int            { return s.channels }
func (s *Stream) Frames() <-chan []float32 { return s.frames }

// Push queues one interleaved frame. It reports false once the stream is
// closed or the queue is full.
func (s *Stream) Push(frame []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		return false
	}
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Backend is a fake device layer that tracks every stream it opened.
type Backend struct {
	// DeviceList is returned by Devices.
	DeviceList []audio.AudioDevice
	// DevicesErr is returned by Devices when set.
	DevicesErr error
	// OpenErr fails Open for the given device id ("" is the default device).
	OpenErr map[string]error
	// Channels of opened streams, default 1.
	Channels int

	mu      sync.Mutex
	streams []*Stream
	reqs    []audio.StreamRequest
}

func (b *Backend) Devices() ([]audio.AudioDevice, error) {
	if b.DevicesErr != nil {
		return nil, b.DevicesErr
	}
	return b.DeviceList, nil
}

func (b *Backend) Open(ctx context.Context, req audio.StreamRequest) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reqs = append(b.reqs, req)
	if err, ok := b.OpenErr[req.DeviceID]; ok {
		return nil, err
	}

	channels := b.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := req.SampleRate
	if rate <= 0 {
		rate = 48000
	}

	name := req.DeviceID
	if name == "" {
		name = "default"
	}
	s := NewStream(fmt.Sprintf("%s#%d", name, len(b.streams)), rate, channels)
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *Backend) Close() error { return nil }

// Streams returns every stream opened so far.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.streams))
	copy(out, b.streams)
	return out
}

// Requests returns every Open request so far.
func (b *Backend) Requests() []audio.StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]audio.StreamRequest, len(b.reqs))
	copy(out, b.reqs)
	return out
}

// OpenCount is the number of streams not yet closed.
func (b *Backend) OpenCount() int {
	n := 0
	for _, s := range b.Streams() {
		if !s.Closed() {
			n++
		}
	}
	return n
}
