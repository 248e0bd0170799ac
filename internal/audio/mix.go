package audio

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// silencePeriod paces the silent output of a graph without sources.
const silencePeriod = 100 * time.Millisecond

// MixOptions tunes a MixGraph.
type MixOptions struct {
	// NoiseGate zeroes output frames whose peak stays below this level.
	// Zero disables the gate.
	NoiseGate float32
	// Buffer is the output channel capacity (default 64 frames).
	Buffer int
}

// MixGraph turns one or two raw streams into a single mono stream at a
// fixed sample rate. It lives for the duration of its channel's capture.
type MixGraph struct {
	name       string
	sampleRate int
	primary    Stream
	secondary  Stream
	opts       MixOptions
	log        zerolog.Logger

	out       chan []float32
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending []float32 // secondary samples waiting to be mixed
}

// BuildMixGraph never fails: a nil secondary is a straight pass-through of
// the primary, and with no source at all the graph emits silence.
func BuildMixGraph(name string, primary, secondary Stream, sampleRate int, opts MixOptions, log zerolog.Logger) *MixGraph {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if primary == nil && secondary != nil {
		primary, secondary = secondary, nil
	}

	g := &MixGraph{
		name:       name,
		sampleRate: sampleRate,
		primary:    primary,
		secondary:  secondary,
		opts:       opts,
		log:        log.With().Str("component", "mixgraph").Str("graph", name).Logger(),
		out:        make(chan []float32, opts.Buffer),
		done:       make(chan struct{}),
	}

	switch {
	case primary == nil:
		g.log.Warn().Msg("No audio source, emitting silence")
		g.wg.Add(1)
		go g.silenceLoop()
	default:
		if secondary != nil {
			g.wg.Add(1)
			go g.secondaryLoop()
		}
		g.wg.Add(1)
		go g.primaryLoop()
	}

	return g
}

// Output returns the mono stream. It is closed when the graph stops.
func (g *MixGraph) Output() <-chan []float32 { return g.out }

// SampleRate of Output.
func (g *MixGraph) SampleRate() int { return g.sampleRate }

// Channels of Output, always 1.
func (g *MixGraph) Channels() int { return 1 }

// Close stops the graph and releases its source streams.
func (g *MixGraph) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.primary != nil {
			g.primary.Close()
		}
		if g.secondary != nil {
			g.secondary.Close()
		}
	})
	g.wg.Wait()
	return nil
}

func (g *MixGraph) primaryLoop() {
	defer g.wg.Done()
	defer close(g.out)

	frames := g.primary.Frames()
	for {
		select {
		case <-g.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			mono := g.normalize(frame, g.primary)
			if g.secondary != nil {
				g.mixPending(mono)
			}
			g.emit(mono)
		}
	}
}

func (g *MixGraph) secondaryLoop() {
	defer g.wg.Done()

	frames := g.secondary.Frames()
	// keep at most one second of unmixed secondary audio
	limit := g.sampleRate
	for {
		select {
		case <-g.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			mono := g.normalize(frame, g.secondary)
			g.mu.Lock()
			g.pending = append(g.pending, mono...)
			if over := len(g.pending) - limit; over > 0 {
				g.pending = g.pending[over:]
			}
			g.mu.Unlock()
		}
	}
}

func (g *MixGraph) silenceLoop() {
	defer g.wg.Done()
	defer close(g.out)

	ticker := time.NewTicker(silencePeriod)
	defer ticker.Stop()

	n := int(int64(g.sampleRate) * int64(silencePeriod) / int64(time.Second))
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.emit(make([]float32, n))
		}
	}
}

func (g *MixGraph) normalize(frame []float32, s Stream) []float32 {
	channels := s.Channels()
	if channels < 1 {
		channels = 1
	}
	mono := downmixInterleaved(frame, channels, len(frame)/channels)
	return resample(mono, s.SampleRate(), g.sampleRate)
}

func (g *MixGraph) mixPending(mono []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := min(len(mono), len(g.pending))
	for i := 0; i < n; i++ {
		mono[i] = clamp(mono[i] + g.pending[i])
	}
	g.pending = g.pending[n:]
}

func (g *MixGraph) emit(mono []float32) {
	if g.opts.NoiseGate > 0 {
		applyNoiseGate(mono, g.opts.NoiseGate)
	}

	select {
	case g.out <- mono:
	case <-g.done:
	default:
		// Drop if channel full (backpressure)
	}
}

// downmixInterleaved averages interleaved channels into a new mono slice.
func downmixInterleaved(input []float32, channels, frames int) []float32 {
	out := make([]float32, frames)
	if channels <= 1 {
		copy(out, input)
		return out
	}

	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += input[base+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// resample converts between rates by linear interpolation.
func resample(in []float32, from, to int) []float32 {
	if from <= 0 || to <= 0 || from == to || len(in) == 0 {
		return in
	}

	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j] + (in[j+1]-in[j])*frac
	}
	return out
}

func applyNoiseGate(samples []float32, threshold float32) {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	if peak < threshold {
		clear(samples)
	}
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}
