// Package transcribe streams one audio source to the realtime transcription
// service and accumulates the transcript it sends back.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/transcript"
)

// ConnState is the lifecycle of the transport.
type ConnState int

const (
	Connecting ConnState = iota
	Open
	Closed
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// CaptureState is the lifecycle of the chunk producer.
type CaptureState int

const (
	CaptureIdle CaptureState = iota
	Capturing
	CaptureStopped
)

func (s CaptureState) String() string {
	switch s {
	case CaptureIdle:
		return "idle"
	case Capturing:
		return "capturing"
	case CaptureStopped:
		return "stopped"
	default:
		return fmt.Sprintf("CaptureState(%d)", int(s))
	}
}

// Capture turns a sample stream into WAV-framed chunks.
type Capture interface {
	Start(src <-chan []float32, onChunk func([]byte)) error
	Stop() error
}

// Media is the mixed audio a channel captures from.
type Media interface {
	Output() <-chan []float32
	Close() error
}

// Handlers receive channel notifications. Handlers run on the channel's
// reader goroutine and must not call Teardown synchronously.
type Handlers struct {
	Transcript func(transcript.Event)
	Failure    func(error)
}

// Config controls one channel.
type Config struct {
	URL               string
	LanguageBehaviour string
	ChunkInterval     time.Duration
	// NewCapture builds the chunk producer; defaults to an audio.Recorder.
	NewCapture func(sampleRate int, interval time.Duration, log zerolog.Logger) Capture
}

// Channel is one transcription connection bound to one audio source.
type Channel struct {
	role   transcript.Role
	cfg    Config
	dialer Dialer
	log    zerolog.Logger

	mu             sync.Mutex
	connState      ConnState
	captureState   CaptureState
	connectCalled  bool
	tornDown       bool
	sampleRate     int
	conn           Transport
	capture        Capture
	media          Media
	handlers       Handlers
	pendingFailure error
	partial        string
	finals         []transcript.Segment
	readDone       chan struct{}

	// serializes transport writes between the chunk sender and teardown
	writeMu sync.Mutex

	framesSent    atomic.Int64
	framesDropped atomic.Int64
}

func NewChannel(role transcript.Role, cfg Config, dialer Dialer, log zerolog.Logger) *Channel {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = time.Second
	}
	if cfg.NewCapture == nil {
		cfg.NewCapture = func(sampleRate int, interval time.Duration, log zerolog.Logger) Capture {
			return audio.NewRecorder(sampleRate, interval, log)
		}
	}
	return &Channel{
		role:   role,
		cfg:    cfg,
		dialer: dialer,
		log:    log.With().Str("component", "transcribe").Str("role", string(role)).Logger(),
	}
}

func (c *Channel) Role() transcript.Role { return c.role }

// Connect dials the service, sends the configuration and waits for the
// "connected" acknowledgment. Cancelling ctx aborts the handshake.
func (c *Channel) Connect(ctx context.Context, credential string, sampleRate int) error {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.connectCalled {
		c.mu.Unlock()
		return ErrChannelUsed
	}
	c.connectCalled = true
	c.sampleRate = sampleRate
	c.mu.Unlock()

	c.log.Debug().Str("url", c.cfg.URL).Int("sample_rate", sampleRate).Msg("Connecting")

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.mu.Lock()
		c.connState = Failed
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		conn.Close()
		return ErrTornDown
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	payload, err := json.Marshal(newConfiguration(credential, c.cfg.LanguageBehaviour, sampleRate))
	if err != nil {
		return c.handshakeFailed(conn, fmt.Errorf("failed to encode configuration: %w", err))
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return c.handshakeFailed(conn, c.classifyHandshakeError(ctx, err))
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return c.handshakeFailed(conn, c.classifyHandshakeError(ctx, err))
	}

	msg, err := parseServerMessage(raw)
	if err != nil {
		return c.handshakeFailed(conn, &MalformedMessageError{Raw: string(raw), Err: err})
	}
	if msg.Event != EventConnected {
		return c.handshakeFailed(conn, &UnexpectedMessageError{Raw: string(raw)})
	}

	if !stop() {
		// ctx fired after the acknowledgment arrived; the transport is gone
		return c.handshakeFailed(conn, fmt.Errorf("%w: %w", ErrCouldNotConnect, ctx.Err()))
	}

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		conn.Close()
		return ErrTornDown
	}
	c.connState = Open
	c.readDone = make(chan struct{})
	go c.readLoop(conn, c.readDone)
	c.mu.Unlock()

	c.log.Info().Msg("Transcription channel open")
	return nil
}

func (c *Channel) classifyHandshakeError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, ctxErr)
	}
	if code, reason, ok := closeDetails(err); ok {
		return &RefusedError{Code: code, Reason: reason}
	}
	return fmt.Errorf("%w: %v", ErrCouldNotConnect, err)
}

func (c *Channel) handshakeFailed(conn Transport, err error) error {
	c.mu.Lock()
	c.connState = Failed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	c.log.Warn().Err(err).Msg("Handshake failed")
	return err
}

func (c *Channel) readLoop(conn Transport, done chan struct{}) {
	defer close(done)

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			c.transportEnded(err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handleMessage(raw)
	}
}

func (c *Channel) handleMessage(raw []byte) {
	msg, err := parseServerMessage(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("Ignoring unparsable server message")
		return
	}
	if msg.Event != EventTranscript || msg.Transcription == "" {
		return
	}

	c.mu.Lock()
	var ev transcript.Event
	switch msg.Type {
	case TypeFinal:
		seg := transcript.Segment{Role: c.role, Text: msg.Transcription, Index: len(c.finals)}
		c.finals = append(c.finals, seg)
		c.partial = ""
		ev = transcript.Event{Role: c.role, Kind: transcript.KindFinal, Text: seg.Text, Index: seg.Index}
	case TypePartial:
		c.partial = msg.Transcription
		ev = transcript.Event{Role: c.role, Kind: transcript.KindPartial, Text: msg.Transcription, Index: -1}
	default:
		c.mu.Unlock()
		return
	}
	h := c.handlers.Transcript
	c.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

func (c *Channel) transportEnded(err error) {
	c.mu.Lock()
	if c.tornDown || c.connState != Open {
		c.mu.Unlock()
		return
	}
	c.connState = Failed
	code, reason, _ := closeDetails(err)
	failure := &DisconnectError{Role: c.role, Code: code, Reason: reason}
	h := c.handlers.Failure
	if h == nil {
		c.pendingFailure = failure
	}
	c.mu.Unlock()

	c.log.Error().Int("code", code).Str("reason", reason).Msg("Transcription connection lost")
	if h != nil {
		h(failure)
	}
}

// SetHandlers installs the notification handlers. A failure that occurred
// while no failure handler was installed is delivered immediately.
func (c *Channel) SetHandlers(h Handlers) {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.handlers = h
	var pending error
	if h.Failure != nil {
		pending = c.pendingFailure
		c.pendingFailure = nil
	}
	c.mu.Unlock()

	if pending != nil {
		h.Failure(pending)
	}
}

// Detach removes the handlers; later events and failures are dropped.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.handlers = Handlers{}
	c.mu.Unlock()
}

// StartCapture begins chunking media and streaming it to the service.
func (c *Channel) StartCapture(media Media) error {
	c.mu.Lock()
	if c.tornDown || c.connState != Open {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if c.captureState != CaptureIdle {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	capture := c.cfg.NewCapture(c.sampleRate, c.cfg.ChunkInterval, c.log)
	c.capture = capture
	c.media = media
	c.captureState = Capturing
	c.mu.Unlock()

	if err := capture.Start(media.Output(), c.sendChunk); err != nil {
		c.mu.Lock()
		c.captureState = CaptureStopped
		c.mu.Unlock()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	c.log.Debug().Dur("interval", c.cfg.ChunkInterval).Msg("Capture started")
	return nil
}

// sendChunk strips the WAV header and forwards raw PCM while open.
func (c *Channel) sendChunk(chunk []byte) {
	if len(chunk) <= audio.WAVHeaderSize {
		return
	}

	c.mu.Lock()
	conn := c.conn
	open := c.connState == Open && !c.tornDown
	c.mu.Unlock()

	if !open || conn == nil {
		c.framesDropped.Add(1)
		return
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, chunk[audio.WAVHeaderSize:])
	c.writeMu.Unlock()
	if err != nil {
		c.framesDropped.Add(1)
		c.log.Debug().Err(err).Msg("Dropping audio frame")
		return
	}
	c.framesSent.Add(1)
}

// Teardown releases the channel: handlers are detached, capture stopped,
// media released and the transport closed, in that order. Idempotent.
func (c *Channel) Teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	c.handlers = Handlers{}
	c.pendingFailure = nil
	capture, media, conn, readDone := c.capture, c.media, c.conn, c.readDone
	c.conn = nil
	c.mu.Unlock()

	if capture != nil {
		if err := capture.Stop(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to stop capture")
		}
		c.mu.Lock()
		c.captureState = CaptureStopped
		c.mu.Unlock()
	}

	if media != nil {
		if err := media.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to release media")
		}
	}

	if conn != nil {
		c.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug().Err(err).Msg("Close frame not sent")
		}
		conn.Close()
	}

	c.mu.Lock()
	if c.connState != Failed {
		c.connState = Closed
	}
	c.mu.Unlock()

	if readDone != nil {
		<-readDone
	}

	c.log.Debug().
		Int64("frames_sent", c.framesSent.Load()).
		Int64("frames_dropped", c.framesDropped.Load()).
		Msg("Transcription channel torn down")
}

func (c *Channel) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *Channel) CaptureState() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureState
}

func (c *Channel) TornDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tornDown
}

// PartialText is the latest non-final transcription, empty after a final.
func (c *Channel) PartialText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

// FinalSegments returns a copy of the finalized segments in arrival order.
func (c *Channel) FinalSegments() []transcript.Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transcript.Segment, len(c.finals))
	copy(out, c.finals)
	return out
}

// FramesSent and FramesDropped count outbound audio frames.
func (c *Channel) FramesSent() int64    { return c.framesSent.Load() }
func (c *Channel) FramesDropped() int64 { return c.framesDropped.Load() }
