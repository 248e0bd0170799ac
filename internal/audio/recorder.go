package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WAVHeaderSize is the length of the canonical RIFF/WAVE PCM header that
// precedes every encoded chunk.
const WAVHeaderSize = 44

// ErrRecorderStarted is returned by Start on a recorder that already ran.
var ErrRecorderStarted = errors.New("recorder already started")

// Recorder slices a mono stream into WAV chunks on a fixed interval.
type Recorder struct {
	sampleRate int
	interval   time.Duration
	log        zerolog.Logger

	mu      sync.Mutex
	started bool
	buf     []float32

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRecorder(sampleRate int, interval time.Duration, log zerolog.Logger) *Recorder {
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{
		sampleRate: sampleRate,
		interval:   interval,
		log:        log,
		done:       make(chan struct{}),
	}
}

// Start consumes src and calls onChunk with one WAV-framed chunk per
// interval. Intervals without samples produce no chunk.
func (r *Recorder) Start(src <-chan []float32, onChunk func([]byte)) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrRecorderStarted
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(src, onChunk)
	return nil
}

func (r *Recorder) run(src <-chan []float32, onChunk func([]byte)) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case samples, ok := <-src:
			if !ok {
				src = nil
				continue
			}
			r.buf = append(r.buf, samples...)
		case <-ticker.C:
			if len(r.buf) == 0 {
				continue
			}
			chunk := EncodeWAV(r.buf, r.sampleRate)
			r.buf = r.buf[:0]
			r.log.Trace().Int("bytes", len(chunk)).Msg("Chunk encoded")
			onChunk(chunk)
		}
	}
}

// Stop halts the recorder and discards any unflushed samples.
func (r *Recorder) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

// EncodeWAV frames mono float samples as 16-bit little-endian PCM WAV.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	dataLen := len(samples) * 2
	out := make([]byte, WAVHeaderSize+dataLen)

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], channels)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*channels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(out[32:34], channels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	for i, s := range samples {
		v := int16(math.Round(float64(clamp(s)) * math.MaxInt16))
		binary.LittleEndian.PutUint16(out[WAVHeaderSize+i*2:], uint16(v))
	}
	return out
}
