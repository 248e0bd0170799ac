package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/audio/audiotest"
	"github.com/petems/meetscribe/internal/config"
	"github.com/petems/meetscribe/internal/pipeline"
	"github.com/petems/meetscribe/internal/transcribe/transcribetest"
)

// Mock implementations for testing
type mockStatus struct {
	mu      sync.Mutex
	history []string
}

func (m *mockStatus) record(s string) {
	m.mu.Lock()
	m.history = append(m.history, s)
	m.mu.Unlock()
}

func (m *mockStatus) SetIdle()            { m.record("idle") }
func (m *mockStatus) SetConnecting()      { m.record("connecting") }
func (m *mockStatus) SetRecording()       { m.record("recording") }
func (m *mockStatus) SetProcessing()      { m.record("processing") }
func (m *mockStatus) SetError(msg string) { m.record("error") }

func (m *mockStatus) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return ""
	}
	return m.history[len(m.history)-1]
}

func (m *mockStatus) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

type mockCompleter struct{}

func (mockCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "summary of: " + prompt[strings.LastIndex(prompt, "\n\n")+2:], nil
}

type mockCopier struct {
	mu     sync.Mutex
	copied []string
}

func (m *mockCopier) Copy(text string) error {
	m.mu.Lock()
	m.copied = append(m.copied, text)
	m.mu.Unlock()
	return nil
}

type harness struct {
	app     *App
	cfg     *config.Config
	backend *audiotest.Backend
	dialer  *transcribetest.Dialer
	status  *mockStatus
	copier  *mockCopier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Transcription.APIKey = "key"
	cfg.Transcription.HandshakeTimeout = 2 * time.Second
	cfg.Audio.SampleRate = 16000
	cfg.Export.Dir = filepath.Join(dir, "exports")

	h := &harness{
		cfg:     cfg,
		backend: &audiotest.Backend{DeviceList: []audio.AudioDevice{{ID: "mic", Name: "mic", Kind: audio.KindInput, Default: true}}},
		dialer:  &transcribetest.Dialer{},
		status:  &mockStatus{},
		copier:  &mockCopier{},
	}
	h.app = New(Config{
		Backend:       h.backend,
		Enumerator:    audio.NewEnumerator(h.backend, zerolog.Nop()),
		Dialer:        h.dialer,
		Completer:     mockCompleter{},
		Copier:        h.copier,
		Config:        cfg,
		ConfigPath:    filepath.Join(dir, "config.json"),
		Logger:        zerolog.Nop(),
		StatusUpdater: h.status,
	})
	t.Cleanup(func() { h.app.Shutdown(context.Background()) })
	return h
}

func waitForEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event feed closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestStartStopRecording(t *testing.T) {
	h := newHarness(t)

	if h.app.IsRecording() {
		t.Error("App should not be recording initially")
	}

	if err := h.app.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !h.app.IsRecording() {
		t.Error("App should be recording after start")
	}
	if err := h.app.StartRecording(context.Background()); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}

	if err := h.app.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if h.app.IsRecording() {
		t.Error("App should have stopped recording")
	}

	want := []string{"connecting", "recording", "idle"}
	got := h.status.all()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected status history %v, got %v", want, got)
	}
	if snap := h.app.Snapshot(); snap.State != "ended" || snap.Ready {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	h := newHarness(t)
	if err := h.app.StopRecording(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestMissingAPIKey(t *testing.T) {
	h := newHarness(t)
	h.cfg.Transcription.APIKey = ""

	if err := h.app.StartRecording(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if h.status.last() != "error" {
		t.Errorf("expected error status, got %q", h.status.last())
	}
	if len(h.dialer.Transports()) != 0 {
		t.Error("nothing should be dialed without a credential")
	}
}

func TestConnectFailureReported(t *testing.T) {
	h := newHarness(t)
	h.dialer.Next = func(int) (*transcribetest.Transport, error) {
		return nil, errors.New("connection refused")
	}

	err := h.app.StartRecording(context.Background())
	if err == nil {
		t.Fatal("expected start failure")
	}
	if h.app.IsRecording() {
		t.Error("failed start must not leave a recording")
	}
	if h.status.last() != "error" {
		t.Errorf("expected error status, got %q", h.status.last())
	}
	if snap := h.app.Snapshot(); snap.Error == "" {
		t.Error("snapshot should carry the error")
	}
	if n := h.backend.OpenCount(); n != 0 {
		t.Errorf("expected streams released, %d open", n)
	}
}

func TestTranscriptFeedAndAutoSummary(t *testing.T) {
	h := newHarness(t)
	events, unsubscribe := h.app.Subscribe()
	defer unsubscribe()

	if err := h.app.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.dialer.Transports()[0].Final("hello")

	waitForEvent(t, events, func(ev Event) bool {
		return ev.Type == EventTranscript && ev.Transcript.Text == "hello"
	})

	if err := h.app.StopRecording(); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, events, func(ev Event) bool { return ev.Type == EventArtifact })
	if ev.Artifact.Kind != pipeline.KindSummary || ev.Artifact.Text != "summary of: hello" {
		t.Fatalf("unexpected artifact %+v", ev.Artifact)
	}

	if err := h.app.CopySummary(); err != nil {
		t.Fatalf("CopySummary: %v", err)
	}
	if len(h.copier.copied) != 1 || h.copier.copied[0] != "summary of: hello" {
		t.Fatalf("unexpected clipboard %v", h.copier.copied)
	}

	got := strings.Join(h.status.all(), ",")
	if got != "connecting,recording,processing,idle" {
		t.Errorf("unexpected status history %s", got)
	}
}

func TestSessionDoneAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.app.Pipeline().SetAutoSummarize(false)
	events, unsubscribe := h.app.Subscribe()
	defer unsubscribe()

	if h.app.SessionDone() != nil {
		t.Fatal("SessionDone must be nil before the first recording")
	}
	if err := h.app.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	done := h.app.SessionDone()
	select {
	case <-done:
		t.Fatal("SessionDone closed while recording")
	default:
	}

	mic := h.dialer.Transports()[0]
	mic.Final("ship it")
	waitForEvent(t, events, func(ev Event) bool { return ev.Type == EventTranscript })
	mic.CloseWith(1011, "overloaded")

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("SessionDone not closed after the server disconnected")
	}

	if h.app.IsRecording() {
		t.Error("a disconnected session must not keep recording")
	}
	snap := h.app.Snapshot()
	if !strings.Contains(snap.Error, "1011") || !strings.Contains(snap.Error, "overloaded") {
		t.Errorf("expected the disconnect in the snapshot, got %q", snap.Error)
	}
	if !h.app.Pipeline().Ready() {
		t.Fatal("the transcript recorded before the disconnect must stay usable")
	}
	art, err := h.app.Artifact(context.Background(), pipeline.KindSummary)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if !strings.Contains(art.Text, "ship it") {
		t.Errorf("unexpected summary %q", art.Text)
	}
	if n := h.backend.OpenCount(); n != 0 {
		t.Errorf("expected streams released, %d open", n)
	}
}

func TestCopySummaryBeforeSummary(t *testing.T) {
	h := newHarness(t)
	if err := h.app.CopySummary(); !errors.Is(err, ErrNoSummary) {
		t.Fatalf("expected ErrNoSummary, got %v", err)
	}
}

func TestArtifactRequiresTranscript(t *testing.T) {
	h := newHarness(t)

	if _, err := h.app.Artifact(context.Background(), pipeline.KindAgenda); !errors.Is(err, pipeline.ErrNoTranscript) {
		t.Fatalf("expected ErrNoTranscript, got %v", err)
	}
	if _, err := h.app.Artifact(context.Background(), pipeline.Kind("poem")); !errors.Is(err, pipeline.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestSetDevice(t *testing.T) {
	h := newHarness(t)

	if err := h.app.SetDevice("usb-mic"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	raw, err := os.ReadFile(h.app.cfgPath)
	if err != nil {
		t.Fatalf("config not saved: %v", err)
	}
	if !strings.Contains(string(raw), "usb-mic") {
		t.Error("saved config should contain the selected device")
	}

	if err := h.app.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.app.SetDevice("other"); err == nil {
		t.Error("device change should be refused while recording")
	}
	if reqs := h.backend.Requests(); reqs[0].DeviceID != "usb-mic" {
		t.Errorf("expected session to use the selected mic, got %q", reqs[0].DeviceID)
	}
}

func TestListDevicesPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.backend.OpenErr = map[string]error{"": errors.New("denied")}

	devices, err := h.app.ListDevices(context.Background(), false)
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if len(devices) != 0 {
		t.Fatal("expected no devices")
	}
}

func TestNoiseGateFollowsNoiseSuppression(t *testing.T) {
	h := newHarness(t)
	h.cfg.Audio.NoiseGate = 0.02

	h.cfg.Audio.NoiseSuppression = true
	if got := h.app.sessionConfig(nil).Mix.NoiseGate; got != 0.02 {
		t.Errorf("expected gate 0.02 with noise suppression on, got %v", got)
	}

	h.cfg.Audio.NoiseSuppression = false
	if got := h.app.sessionConfig(nil).Mix.NoiseGate; got != 0 {
		t.Errorf("expected gate disabled with noise suppression off, got %v", got)
	}
}
