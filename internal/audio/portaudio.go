package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

const framesPerBuffer = 480

type portAudioBackend struct {
	log zerolog.Logger
}

// NewPortAudio initializes PortAudio and returns it as a Backend.
func NewPortAudio(log zerolog.Logger) (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioBackend{log: log.With().Str("component", "portaudio").Logger()}, nil
}

func (p *portAudioBackend) Devices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	result := make([]AudioDevice, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Kind:    KindInput,
				Default: d == defaultIn,
			})
		}
		if d.MaxOutputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Kind:    KindOutput,
				Default: d == defaultOut,
			})
		}
	}

	return result, nil
}

func (p *portAudioBackend) Open(ctx context.Context, req StreamRequest) (Stream, error) {
	device, err := findInputDevice(req.DeviceID)
	if err != nil {
		return nil, err
	}

	channels := req.Channels
	if channels <= 0 || channels > device.MaxInputChannels {
		channels = min(device.MaxInputChannels, 2)
	}

	if req.Constraints.EchoCancellation {
		// PortAudio exposes raw device input only; echo cancellation is
		// left to the OS audio stack (e.g. PipeWire echo-cancel source).
		p.log.Debug().Str("device", device.Name).Msg("Echo cancellation requested, relying on platform source")
	}

	// Try the requested rate first; the mix graph resamples anything else.
	rates := []float64{device.DefaultSampleRate}
	if req.SampleRate > 0 && float64(req.SampleRate) != device.DefaultSampleRate {
		rates = append([]float64{float64(req.SampleRate)}, rates...)
	}

	buffer := make([]float32, framesPerBuffer*channels)

	var stream *portaudio.Stream
	var rate float64
	for _, r := range rates {
		stream, err = portaudio.OpenStream(portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   device,
				Channels: channels,
				Latency:  device.DefaultLowInputLatency,
			},
			SampleRate:      r,
			FramesPerBuffer: framesPerBuffer,
		}, buffer)
		if err == nil {
			rate = r
			break
		}
		p.log.Debug().Err(err).Str("device", device.Name).Float64("rate", r).Msg("Sample rate rejected")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream on %q: %w", device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to start audio stream: %w", err)
	}

	s := &portAudioStream{
		name:       device.Name,
		sampleRate: int(rate),
		channels:   channels,
		stream:     stream,
		buffer:     buffer,
		frames:     make(chan []float32, 32),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		log:        p.log,
	}
	go s.readLoop(ctx)

	p.log.Debug().Str("device", device.Name).Int("rate", s.sampleRate).Int("channels", channels).Msg("Stream opened")
	return s, nil
}

func (p *portAudioBackend) Close() error {
	return portaudio.Terminate()
}

func findInputDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("failed to get default input device: %w", err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

type portAudioStream struct {
	name       string
	sampleRate int
	channels   int
	stream     *portaudio.Stream
	buffer     []float32
	frames     chan []float32
	done       chan struct{}
	exited     chan struct{}
	closeOnce  sync.Once
	log        zerolog.Logger
}

func (s *portAudioStream) Name() string             { return s.name }
func (s *portAudioStream) SampleRate() int          { return s.sampleRate }
func (s *portAudioStream) Channels() int            { return s.channels }
func (s *portAudioStream) Frames() <-chan []float32 { return s.frames }

// readLoop owns the PortAudio handle; it alone stops and closes it.
func (s *portAudioStream) readLoop(ctx context.Context) {
	defer close(s.exited)
	defer close(s.frames)
	defer func() {
		s.stream.Stop()
		s.stream.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			s.log.Warn().Err(err).Str("device", s.name).Msg("Stream read failed")
			return
		}

		samples := make([]float32, len(s.buffer))
		copy(samples, s.buffer)

		select {
		case s.frames <- samples:
		case <-s.done:
			return
		default:
			// Drop if channel full (backpressure)
		}
	}
}

func (s *portAudioStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	<-s.exited
	return nil
}
