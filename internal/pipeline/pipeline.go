// Package pipeline turns an ended session's transcript into derived
// documents: a summary, key points, a to-do list and a meeting agenda.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/export"
	"github.com/petems/meetscribe/internal/transcript"
)

// Kind of generated artifact.
type Kind string

const (
	KindSummary   Kind = "summary"
	KindKeyPoints Kind = "key_points"
	KindTodoList  Kind = "todo_list"
	KindAgenda    Kind = "agenda"
	KindCorrected Kind = "corrected"
)

type instruction struct {
	title  string
	system string
	prompt string
}

var instructions = map[Kind]instruction{
	KindSummary: {
		title:  "Summary",
		system: "You are a helpful assistant that summarizes audio transcriptions.",
		prompt: "Summarize the following audio transcription:\n\n",
	},
	KindKeyPoints: {
		title:  "Key Points",
		system: "You are a helpful assistant that extracts key points from audio transcriptions.",
		prompt: "Extract the key points from the following audio transcription:\n\n",
	},
	KindTodoList: {
		title:  "To-do List",
		system: "You are a helpful assistant that extracts to-do lists from audio transcriptions.",
		prompt: "Extract the to-do list from the following audio transcription:\n\n",
	},
	KindAgenda: {
		title:  "Meeting Agenda",
		system: "You are a helpful assistant that generates meeting agendas from audio transcriptions.",
		prompt: "Generate a meeting agenda from the following audio transcription:\n\n",
	},
	KindCorrected: {
		title:  "Corrected Transcript",
		system: "You are a helpful assistant that corrects and summarizes audio transcriptions.",
		prompt: "Correct and summarize the following audio transcription:\n\n",
	},
}

// Kinds lists every artifact kind in menu order.
func Kinds() []Kind {
	return []Kind{KindSummary, KindKeyPoints, KindTodoList, KindAgenda, KindCorrected}
}

// ParseKind accepts the kind names used on the command line and HTTP API.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := instructions[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Title is the document title for the kind.
func (k Kind) Title() string {
	if in, ok := instructions[k]; ok {
		return in.title
	}
	return string(k)
}

var (
	// ErrNoTranscript is returned before any session ended with speech.
	ErrNoTranscript = errors.New("no transcript available")
	// ErrUnknownKind is returned for an unsupported artifact kind.
	ErrUnknownKind = errors.New("unknown artifact kind")
)

// CallError reports one failed generation. It never affects other calls or
// the session.
type CallError struct {
	Kind Kind
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("failed to generate %s: %v", strings.ToLower(e.Kind.Title()), e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Completer runs one chat completion.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Reporter receives the outcome of automatic summaries.
type Reporter interface {
	SummaryReady(Artifact)
	SummaryFailed(error)
}

// Artifact is a generated document. Path is set once exported to disk.
type Artifact struct {
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Path  string `json:"path,omitempty"`
}

// Document converts the artifact for PDF export.
func (a Artifact) Document() export.Document {
	return export.Document{Title: a.Title, Body: a.Text}
}

type Config struct {
	Client        Completer
	ExportDir     string
	AutoSummarize bool
	// SummaryTimeout bounds the automatic summary call.
	SummaryTimeout time.Duration
	Reporter       Reporter
	Logger         zerolog.Logger
}

// Pipeline holds the latest ended transcript and generates artifacts from it
// on demand.
type Pipeline struct {
	cfg Config
	log zerolog.Logger

	mu            sync.Mutex
	autoSummarize bool
	transcript    *transcript.Transcript
	summary       *Artifact

	wg sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		log:           cfg.Logger.With().Str("component", "pipeline").Logger(),
		autoSummarize: cfg.AutoSummarize,
	}
}

// SetAutoSummarize toggles the automatic summary for later sessions.
func (p *Pipeline) SetAutoSummarize(on bool) {
	p.mu.Lock()
	p.autoSummarize = on
	p.mu.Unlock()
}

// SessionEnded stores the transcript and, when enabled, starts the
// automatic summary in the background.
func (p *Pipeline) SessionEnded(t transcript.Transcript) {
	p.mu.Lock()
	p.transcript = &t
	p.summary = nil
	auto := p.autoSummarize
	p.mu.Unlock()

	p.log.Info().
		Str("session", t.SessionID).
		Int("mic_segments", len(t.Mic)).
		Int("system_segments", len(t.System)).
		Dur("duration", t.Duration()).
		Msg("Transcript received")

	if !auto || t.Empty() {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := context.Background()
		if p.cfg.SummaryTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.SummaryTimeout)
			defer cancel()
		}

		a, err := p.Summarize(ctx)
		if p.cfg.Reporter == nil {
			return
		}
		if err != nil {
			p.cfg.Reporter.SummaryFailed(err)
			return
		}
		p.cfg.Reporter.SummaryReady(a)
	}()
}

// Close waits for a running automatic summary.
func (p *Pipeline) Close() {
	p.wg.Wait()
}

// Transcript returns the latest ended transcript.
func (p *Pipeline) Transcript() (transcript.Transcript, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transcript == nil {
		return transcript.Transcript{}, false
	}
	return *p.transcript, true
}

// Ready reports whether artifacts can be generated.
func (p *Pipeline) Ready() bool {
	t, ok := p.Transcript()
	return ok && !t.Empty()
}

// LastSummary returns the most recent summary of the current transcript.
func (p *Pipeline) LastSummary() (Artifact, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.summary == nil {
		return Artifact{}, false
	}
	return *p.summary, true
}

func (p *Pipeline) Summarize(ctx context.Context) (Artifact, error) {
	a, err := p.Generate(ctx, KindSummary)
	if err != nil {
		return a, err
	}
	p.mu.Lock()
	p.summary = &a
	p.mu.Unlock()
	return a, nil
}

func (p *Pipeline) ExtractPoints(ctx context.Context) (Artifact, error) {
	return p.Export(ctx, KindKeyPoints)
}

func (p *Pipeline) ExtractTodoList(ctx context.Context) (Artifact, error) {
	return p.Export(ctx, KindTodoList)
}

func (p *Pipeline) GenerateAgenda(ctx context.Context) (Artifact, error) {
	return p.Export(ctx, KindAgenda)
}

// CorrectTranscript corrects and summarizes every final segment separately
// and joins the results in transcript order.
func (p *Pipeline) CorrectTranscript(ctx context.Context) (Artifact, error) {
	t, err := p.current()
	if err != nil {
		return Artifact{}, err
	}

	parts := make([]string, 0, len(t.Mic)+len(t.System))
	for _, seg := range t.Segments() {
		text, err := p.complete(ctx, KindCorrected, seg.Text)
		if err != nil {
			return Artifact{}, err
		}
		parts = append(parts, seg.Role.Label()+": "+text)
	}

	return Artifact{
		Kind:  KindCorrected,
		Title: KindCorrected.Title(),
		Text:  strings.Join(parts, "\n\n"),
	}, nil
}

// Generate runs the instruction for kind over the whole transcript.
func (p *Pipeline) Generate(ctx context.Context, kind Kind) (Artifact, error) {
	if kind == KindCorrected {
		return p.CorrectTranscript(ctx)
	}
	if _, ok := instructions[kind]; !ok {
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	t, err := p.current()
	if err != nil {
		return Artifact{}, err
	}

	text, err := p.complete(ctx, kind, t.Text())
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: kind, Title: kind.Title(), Text: text}, nil
}

// Export generates kind and writes it as a PDF into the export directory.
func (p *Pipeline) Export(ctx context.Context, kind Kind) (Artifact, error) {
	a, err := p.Generate(ctx, kind)
	if err != nil {
		return a, err
	}

	path, err := export.WriteFile(p.cfg.ExportDir, a.Document())
	if err != nil {
		return a, fmt.Errorf("failed to export %s: %w", strings.ToLower(a.Title), err)
	}
	a.Path = path

	p.log.Info().Str("kind", string(kind)).Str("path", path).Msg("Artifact exported")
	return a, nil
}

func (p *Pipeline) current() (transcript.Transcript, error) {
	t, ok := p.Transcript()
	if !ok || t.Empty() {
		return transcript.Transcript{}, ErrNoTranscript
	}
	return t, nil
}

func (p *Pipeline) complete(ctx context.Context, kind Kind, text string) (string, error) {
	in := instructions[kind]
	start := time.Now()

	out, err := p.cfg.Client.Complete(ctx, in.system, in.prompt+text)
	if err != nil {
		cerr := &CallError{Kind: kind, Err: err}
		p.log.Error().Err(err).Str("kind", string(kind)).Msg("Generation failed")
		return "", cerr
	}

	p.log.Debug().Str("kind", string(kind)).Dur("took", time.Since(start)).Msg("Generated")
	return out, nil
}
