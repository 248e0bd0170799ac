package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/config"
	"github.com/petems/meetscribe/internal/inject"
	"github.com/petems/meetscribe/internal/pipeline"
	"github.com/petems/meetscribe/internal/session"
	"github.com/petems/meetscribe/internal/transcribe"
	"github.com/petems/meetscribe/internal/transcript"
)

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrMissingAPIKey    = errors.New("transcription api key not configured")
	ErrNoSummary        = errors.New("no summary available")
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetConnecting()
	SetRecording()
	SetProcessing()
	SetError(msg string)
}

type Config struct {
	Backend    audio.Backend
	Enumerator *audio.Enumerator
	Dialer     transcribe.Dialer
	Completer  pipeline.Completer
	Copier     inject.Copier
	Config     *config.Config
	// ConfigPath is where setting changes are persisted; empty means the
	// default config location.
	ConfigPath    string
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
}

type App struct {
	backend    audio.Backend
	enumerator *audio.Enumerator
	dialer     transcribe.Dialer
	copier     inject.Copier
	cfg        *config.Config
	cfgPath    string
	log        zerolog.Logger
	status     StatusUpdater
	pipeline   *pipeline.Pipeline
	events     *hub

	mu      sync.Mutex
	session *session.Session
	ended   chan struct{}
	lastErr string
}

func New(cfg Config) *App {
	a := &App{
		backend:    cfg.Backend,
		enumerator: cfg.Enumerator,
		dialer:     cfg.Dialer,
		copier:     cfg.Copier,
		cfg:        cfg.Config,
		cfgPath:    cfg.ConfigPath,
		log:        cfg.Logger.With().Str("component", "app").Logger(),
		status:     cfg.StatusUpdater,
		events:     newHub(),
	}
	a.pipeline = pipeline.New(pipeline.Config{
		Client:         cfg.Completer,
		ExportDir:      cfg.Config.Export.Dir,
		AutoSummarize:  cfg.Config.AutoSummarize,
		SummaryTimeout: cfg.Config.LLM.Timeout,
		Reporter:       a,
		Logger:         cfg.Logger,
	})
	return a
}

// SetStatusUpdater attaches the status display after construction.
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *App) statusUpdater() StatusUpdater {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// StartRecording begins a new dual-stream session with the configured
// devices. It returns once both channels are streaming or the start failed.
func (a *App) StartRecording(ctx context.Context) error {
	a.mu.Lock()
	if a.session != nil && a.session.State() != session.Ended {
		a.mu.Unlock()
		return ErrAlreadyRecording
	}
	credential := a.cfg.Transcription.APIKey
	if credential == "" {
		a.mu.Unlock()
		a.fail(ErrMissingAPIKey)
		return ErrMissingAPIKey
	}

	var s *session.Session
	ended := make(chan struct{})
	s = session.New(a.sessionConfig(func(err error) {
		a.onSessionEnd(s, err)
		close(ended)
	}))
	a.session = s
	a.ended = ended
	a.lastErr = ""
	micDevice := a.cfg.Audio.MicDeviceID
	a.mu.Unlock()

	if st := a.statusUpdater(); st != nil {
		st.SetConnecting()
	}
	a.events.publish(Event{Type: EventState, SessionID: s.ID(), State: session.Connecting.String()})

	if a.cfg.Transcription.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Transcription.HandshakeTimeout)
		defer cancel()
	}

	if err := s.Start(ctx, credential, micDevice); err != nil {
		// onSessionEnd already reported the failure
		return err
	}

	if st := a.statusUpdater(); st != nil {
		st.SetRecording()
	}
	a.events.publish(Event{Type: EventState, SessionID: s.ID(), State: session.Recording.String()})
	return nil
}

func (a *App) sessionConfig(onEnd func(error)) session.Config {
	c := a.cfg
	mix := audio.MixOptions{}
	if c.Audio.NoiseSuppression {
		mix.NoiseGate = c.Audio.NoiseGate
	}
	return session.Config{
		Backend: a.backend,
		Dialer:  a.dialer,
		Channel: transcribe.Config{
			URL:               c.Transcription.URL,
			LanguageBehaviour: c.Transcription.LanguageBehaviour,
			ChunkInterval:     c.Audio.ChunkInterval,
		},
		SampleRate:     c.Audio.SampleRate,
		SystemDeviceID: c.Audio.SystemDeviceID,
		Constraints: audio.Constraints{
			EchoCancellation: c.Audio.EchoCancellation,
			NoiseSuppression: c.Audio.NoiseSuppression,
		},
		Mix:     mix,
		Sink:    a,
		OnEvent: a.onTranscript,
		OnEnd:   onEnd,
		Logger:  a.log,
	}
}

// StopRecording ends the current session and hands its transcript to the
// pipeline.
func (a *App) StopRecording() error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s == nil || s.State() == session.Ended {
		return ErrNotRecording
	}
	s.Stop()
	return nil
}

// ToggleRecording starts a session when idle and stops it otherwise.
func (a *App) ToggleRecording(ctx context.Context) error {
	if a.IsRecording() {
		return a.StopRecording()
	}
	return a.StartRecording(ctx)
}

// SessionDone is closed once the latest session ended, whether stopped or
// disconnected, and its outcome is visible in Snapshot. Nil before the first
// recording.
func (a *App) SessionDone() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

func (a *App) IsRecording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil && a.session.State() != session.Ended
}

func (a *App) onTranscript(ev transcript.Event) {
	a.events.publish(Event{Type: EventTranscript, Transcript: &ev})
}

func (a *App) onSessionEnd(s *session.Session, err error) {
	if errors.Is(err, session.ErrStopped) {
		err = nil
	}
	if err != nil {
		a.fail(err)
		a.events.publish(Event{Type: EventState, SessionID: s.ID(), State: session.Ended.String(), Error: err.Error()})
		return
	}

	a.events.publish(Event{Type: EventState, SessionID: s.ID(), State: session.Ended.String()})
	if st := a.statusUpdater(); st != nil && !s.Connected() {
		st.SetIdle()
	}
}

// SessionEnded implements session.Sink: the status reflects the pending
// automatic summary before the pipeline starts it.
func (a *App) SessionEnded(t transcript.Transcript) {
	if st := a.statusUpdater(); st != nil {
		if a.cfg.AutoSummarize && !t.Empty() {
			st.SetProcessing()
		} else {
			st.SetIdle()
		}
	}
	a.pipeline.SessionEnded(t)
}

func (a *App) fail(err error) {
	a.mu.Lock()
	a.lastErr = err.Error()
	st := a.status
	a.mu.Unlock()

	a.log.Error().Err(err).Msg("Recording failed")
	if st != nil {
		st.SetError(err.Error())
	}
}

// SummaryReady implements pipeline.Reporter.
func (a *App) SummaryReady(art pipeline.Artifact) {
	a.log.Info().Int("chars", len(art.Text)).Msg("Summary ready")
	if st := a.statusUpdater(); st != nil && !a.IsRecording() {
		st.SetIdle()
	}
	a.events.publish(Event{Type: EventArtifact, Artifact: &art})
}

// SummaryFailed implements pipeline.Reporter.
func (a *App) SummaryFailed(err error) {
	a.mu.Lock()
	a.lastErr = err.Error()
	a.mu.Unlock()

	if st := a.statusUpdater(); st != nil && !a.IsRecording() {
		st.SetError(err.Error())
	}
	a.events.publish(Event{Type: EventError, Error: err.Error()})
}

// Artifact generates the requested document. Key points, to-do list and
// agenda are also exported as PDF files.
func (a *App) Artifact(ctx context.Context, kind pipeline.Kind) (pipeline.Artifact, error) {
	var (
		art pipeline.Artifact
		err error
	)
	switch kind {
	case pipeline.KindSummary:
		art, err = a.pipeline.Summarize(ctx)
	case pipeline.KindCorrected:
		art, err = a.pipeline.CorrectTranscript(ctx)
	case pipeline.KindKeyPoints:
		art, err = a.pipeline.ExtractPoints(ctx)
	case pipeline.KindTodoList:
		art, err = a.pipeline.ExtractTodoList(ctx)
	case pipeline.KindAgenda:
		art, err = a.pipeline.GenerateAgenda(ctx)
	default:
		return art, fmt.Errorf("%w: %q", pipeline.ErrUnknownKind, kind)
	}
	if err != nil {
		a.events.publish(Event{Type: EventError, Error: err.Error()})
		return art, err
	}

	a.events.publish(Event{Type: EventArtifact, Artifact: &art})
	return art, nil
}

// CopySummary places the latest summary on the clipboard.
func (a *App) CopySummary() error {
	art, ok := a.pipeline.LastSummary()
	if !ok {
		return ErrNoSummary
	}
	if a.copier == nil {
		return inject.ErrUnsupported
	}
	return a.copier.Copy(art.Text)
}

// ListDevices enumerates capture devices. A denied permission is logged and
// returned alongside the empty list so callers can continue with the
// default device.
func (a *App) ListDevices(ctx context.Context, includeOutputs bool) ([]audio.AudioDevice, error) {
	devices, err := a.enumerator.ListDevices(ctx, includeOutputs)
	if errors.Is(err, audio.ErrPermissionDenied) {
		a.log.Warn().Err(err).Msg("Device enumeration denied; the default microphone will be used")
	}
	return devices, err
}

func (a *App) SetDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil && a.session.State() != session.Ended {
		return fmt.Errorf("cannot change while recording")
	}

	a.cfg.Audio.MicDeviceID = id
	return a.saveLocked()
}

func (a *App) SetSystemDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session != nil && a.session.State() != session.Ended {
		return fmt.Errorf("cannot change while recording")
	}

	a.cfg.Audio.SystemDeviceID = id
	return a.saveLocked()
}

func (a *App) SetAutoSummarize(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.AutoSummarize = on
	a.pipeline.SetAutoSummarize(on)
	return a.saveLocked()
}

func (a *App) saveLocked() error {
	if a.cfgPath != "" {
		return a.cfg.SaveTo(a.cfgPath)
	}
	return a.cfg.Save()
}

// Snapshot describes the current state for the tray and HTTP API.
type Snapshot struct {
	State      string                `json:"state"`
	SessionID  string                `json:"session_id,omitempty"`
	Elapsed    float64               `json:"elapsed_seconds"`
	MicPartial string                `json:"mic_partial,omitempty"`
	SysPartial string                `json:"system_partial,omitempty"`
	Transcript transcript.Transcript `json:"transcript"`
	Ready      bool                  `json:"artifacts_ready"`
	Summary    string                `json:"summary,omitempty"`
	Error      string                `json:"error,omitempty"`
}

func (a *App) Snapshot() Snapshot {
	a.mu.Lock()
	s := a.session
	lastErr := a.lastErr
	a.mu.Unlock()

	snap := Snapshot{
		State: session.Idle.String(),
		Ready: a.pipeline.Ready(),
		Error: lastErr,
	}
	if sum, ok := a.pipeline.LastSummary(); ok {
		snap.Summary = sum.Text
	}
	if s == nil {
		if t, ok := a.pipeline.Transcript(); ok {
			snap.Transcript = t
		}
		return snap
	}

	snap.State = s.State().String()
	snap.SessionID = s.ID()
	snap.Elapsed = s.Elapsed().Seconds()
	snap.MicPartial = s.Partial(transcript.RoleMic)
	snap.SysPartial = s.Partial(transcript.RoleSystem)
	snap.Transcript = s.Transcript()
	return snap
}

// Elapsed is the duration of the current or last recording.
func (a *App) Elapsed() time.Duration {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.Elapsed()
}

// Subscribe returns a feed of live events and a function that ends it.
func (a *App) Subscribe() (<-chan Event, func()) {
	return a.events.subscribe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	if s != nil {
		s.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.pipeline.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.events.close()
	return nil
}
