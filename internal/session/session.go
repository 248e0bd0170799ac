// Package session runs one dual-stream recording: the microphone and the
// system audio are each transcribed over their own channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/transcribe"
	"github.com/petems/meetscribe/internal/transcript"
)

// State of a session. A session moves forward only and is single use.
type State int

const (
	Idle State = iota
	Connecting
	Recording
	Stopping
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrSessionUsed is returned by Start on a session that already started.
	ErrSessionUsed = errors.New("session already used")
	// ErrStopped is returned by Start when Stop interrupted the connect.
	ErrStopped = errors.New("session stopped before recording began")
)

// Sink receives the transcript of a session that reached recording.
type Sink interface {
	SessionEnded(transcript.Transcript)
}

// Config wires a session to its devices and the transcription service.
type Config struct {
	Backend audio.Backend
	Dialer  transcribe.Dialer
	Channel transcribe.Config

	SampleRate     int
	SystemDeviceID string
	Constraints    audio.Constraints
	Mix            audio.MixOptions

	// Sink is notified once when a recording session ends. Optional.
	Sink Sink
	// OnEvent receives every transcript event of both channels. Optional.
	OnEvent func(transcript.Event)
	// OnEnd is called once the session reached Ended, with the failure
	// cause or nil. Optional.
	OnEnd func(error)

	Logger zerolog.Logger
}

// Session owns two transcription channels and everything they capture from.
type Session struct {
	id  string
	cfg Config
	log zerolog.Logger

	life     context.Context
	cancelFn context.CancelFunc

	mu            sync.Mutex
	state         State
	connected     bool
	stopRequested bool
	cancelConnect context.CancelFunc
	err           error
	startedAt     time.Time
	endedAt       time.Time
	channels      []*transcribe.Channel
	graphs        []*audio.MixGraph
	streams       []audio.Stream

	done chan struct{}
}

func New(cfg Config) *Session {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	id := uuid.NewString()
	life, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "session").Str("session", id).Logger(),
		life:     life,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Start opens both sources, connects both channels and begins streaming.
// Either connect failing fails the whole start and releases every resource.
func (s *Session) Start(ctx context.Context, credential, micDeviceID string) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrSessionUsed
	}
	s.state = Connecting
	connectCtx, cancelConnect := context.WithCancel(ctx)
	s.cancelConnect = cancelConnect
	s.mu.Unlock()
	defer cancelConnect()

	s.log.Info().Str("mic_device", micDeviceID).Str("system_device", s.cfg.SystemDeviceID).Msg("Starting session")

	mic, err := s.cfg.Backend.Open(s.life, audio.StreamRequest{
		DeviceID:    micDeviceID,
		SampleRate:  s.cfg.SampleRate,
		Channels:    1,
		Constraints: s.cfg.Constraints,
	})
	if err != nil {
		return s.abort(fmt.Errorf("failed to open microphone: %w", err))
	}

	var system audio.Stream
	if s.cfg.SystemDeviceID != "" {
		system, err = s.cfg.Backend.Open(s.life, audio.StreamRequest{
			DeviceID:   s.cfg.SystemDeviceID,
			SampleRate: s.cfg.SampleRate,
			Channels:   2,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("System audio unavailable, transcribing silence")
			system = nil
		}
	}

	micGraph := audio.BuildMixGraph(string(transcript.RoleMic), mic, nil, s.cfg.SampleRate, s.cfg.Mix, s.log)
	sysGraph := audio.BuildMixGraph(string(transcript.RoleSystem), system, nil, s.cfg.SampleRate, s.cfg.Mix, s.log)

	micCh := transcribe.NewChannel(transcript.RoleMic, s.cfg.Channel, s.cfg.Dialer, s.cfg.Logger)
	sysCh := transcribe.NewChannel(transcript.RoleSystem, s.cfg.Channel, s.cfg.Dialer, s.cfg.Logger)

	s.mu.Lock()
	s.streams = append(s.streams, mic)
	if system != nil {
		s.streams = append(s.streams, system)
	}
	s.graphs = []*audio.MixGraph{micGraph, sysGraph}
	s.channels = []*transcribe.Channel{micCh, sysCh}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(connectCtx)
	for _, ch := range s.channels {
		g.Go(func() error {
			if err := ch.Connect(gctx, credential, s.cfg.SampleRate); err != nil {
				return fmt.Errorf("%s channel: %w", ch.Role(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.mu.Lock()
		if s.stopRequested {
			err = fmt.Errorf("%w: %w", ErrStopped, err)
		}
		s.mu.Unlock()
		return s.abort(err)
	}

	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return s.abort(ErrStopped)
	}
	s.connected = true
	s.mu.Unlock()

	handlers := transcribe.Handlers{
		Transcript: s.onTranscript,
		Failure: func(err error) {
			// handlers run on the channel reader, which teardown waits for
			go s.stop(err)
		},
	}
	for _, ch := range s.channels {
		ch.SetHandlers(handlers)
	}

	for i, ch := range s.channels {
		if err := ch.StartCapture(s.graphs[i]); err != nil {
			return s.abort(fmt.Errorf("%s channel: %w", ch.Role(), err))
		}
	}

	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return s.interrupted()
	}
	s.state = Recording
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().Msg("Recording")
	return nil
}

func (s *Session) onTranscript(ev transcript.Event) {
	if ev.Kind == transcript.KindFinal {
		s.log.Debug().Str("role", string(ev.Role)).Int("index", ev.Index).Msg("Final segment")
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

// interrupted is Start's result when a stop or a disconnect won the race
// with the end of Start.
func (s *Session) interrupted() error {
	<-s.done
	if err := s.Err(); err != nil {
		return err
	}
	return ErrStopped
}

// abort ends a session that never reached recording. The sink is not
// notified. A stop or disconnect that already took over the teardown wins.
func (s *Session) abort(cause error) error {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return s.interrupted()
	}
	s.state = Stopping
	s.err = cause
	s.mu.Unlock()

	s.log.Error().Err(cause).Msg("Session failed to start")
	s.release()
	s.finish(false)
	return cause
}

// Stop ends the session and blocks until every resource is released.
// Concurrent and repeated calls are safe; only the first tears down.
func (s *Session) Stop() {
	s.mu.Lock()
	idle := s.state == Idle
	s.mu.Unlock()
	if idle {
		return
	}

	s.stop(nil)
	<-s.done
}

func (s *Session) stop(cause error) {
	s.mu.Lock()
	switch {
	case s.state == Idle, s.state == Stopping, s.state == Ended:
		s.mu.Unlock()
		return
	case s.state == Connecting && !s.connected:
		// Start owns the teardown until both connects resolved
		s.stopRequested = true
		if s.cancelConnect != nil {
			s.cancelConnect()
		}
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.err = cause
	s.mu.Unlock()

	if cause != nil {
		s.log.Error().Err(cause).Msg("Stopping session after failure")
	} else {
		s.log.Info().Msg("Stopping session")
	}

	s.release()
	s.finish(true)
}

// release detaches every handler before tearing anything down, then frees
// channels, graphs and streams.
func (s *Session) release() {
	s.mu.Lock()
	channels, graphs, streams := s.channels, s.graphs, s.streams
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Detach()
	}
	for _, ch := range channels {
		ch.Teardown()
	}
	for _, g := range graphs {
		g.Close()
	}
	for _, st := range streams {
		st.Close()
	}
	s.cancelFn()
}

func (s *Session) finish(notify bool) {
	s.mu.Lock()
	s.state = Ended
	s.endedAt = time.Now()
	cause := s.err
	s.mu.Unlock()

	if notify && s.cfg.Sink != nil {
		s.cfg.Sink.SessionEnded(s.Transcript())
	}
	close(s.done)

	s.log.Info().Dur("elapsed", s.Elapsed()).Msg("Session ended")
	if s.cfg.OnEnd != nil {
		s.cfg.OnEnd(cause)
	}
}

// Connected reports whether both channels were connected, which is when
// the sink becomes due.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Done is closed when the session reaches Ended.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the cause that ended the session, nil after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Elapsed is the recording duration so far, or the final duration once
// ended. It is zero when recording never began.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	if s.state == Ended || s.state == Stopping {
		if s.endedAt.IsZero() {
			return time.Since(s.startedAt)
		}
		return s.endedAt.Sub(s.startedAt)
	}
	return time.Since(s.startedAt)
}

// Partial returns the pending partial text for a role.
func (s *Session) Partial(role transcript.Role) string {
	if ch := s.channel(role); ch != nil {
		return ch.PartialText()
	}
	return ""
}

// Transcript returns the finalized segments collected so far.
func (s *Session) Transcript() transcript.Transcript {
	s.mu.Lock()
	t := transcript.Transcript{
		SessionID: s.id,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
	s.mu.Unlock()

	if ch := s.channel(transcript.RoleMic); ch != nil {
		t.Mic = ch.FinalSegments()
	}
	if ch := s.channel(transcript.RoleSystem); ch != nil {
		t.System = ch.FinalSegments()
	}
	return t
}

func (s *Session) channel(role transcript.Role) *transcribe.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.Role() == role {
			return ch
		}
	}
	return nil
}
