package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petems/meetscribe/internal/app"
	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/config"
	"github.com/petems/meetscribe/internal/inject"
	"github.com/petems/meetscribe/internal/llm"
	"github.com/petems/meetscribe/internal/logging"
	"github.com/petems/meetscribe/internal/permissions"
	"github.com/petems/meetscribe/internal/pipeline"
	"github.com/petems/meetscribe/internal/server"
	"github.com/petems/meetscribe/internal/transcribe"
	"github.com/petems/meetscribe/internal/transcript"
	"github.com/petems/meetscribe/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

var (
	cfgFile      string
	withAPI      bool
	listOutputs  bool
	summarize    bool
	artifactKind []string
)

var rootCmd = &cobra.Command{
	Use:           "meetscribe",
	Short:         "Meeting recorder with live dual-stream transcription",
	Long:          `meetscribe records your microphone and system audio as two transcription streams and turns the result into summaries, key points, to-do lists and agendas.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray()
	},
}

var trayCmd = &cobra.Command{
	Use:   "tray",
	Short: "Run the system tray app (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTray()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local HTTP API without a tray",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one session from the terminal until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord()
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meetscribe %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.Path()+")")

	trayCmd.Flags().BoolVar(&withAPI, "api", false, "also serve the local HTTP API")
	devicesCmd.Flags().BoolVar(&listOutputs, "outputs", false, "include output devices")
	recordCmd.Flags().BoolVar(&summarize, "summarize", true, "print a summary when the recording ends")
	recordCmd.Flags().StringSliceVar(&artifactKind, "export", nil, "documents to export afterwards (key_points, todo_list, agenda)")

	rootCmd.AddCommand(trayCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime is everything the commands share.
type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	backend audio.Backend
	app     *app.App
}

func setup() (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log := logging.New()
		log.Error().Err(err).Msg("Failed to load config")
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS asks once; enumeration reports a denial later if it persists
	if err := permissions.Microphone(); err != nil {
		log.Warn().Err(err).Msg("Microphone permission not granted yet")
	}

	backend, err := audio.NewPortAudio(log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio: %w", err)
	}

	completer := llm.NewClient(llm.Config{
		URL:         cfg.LLM.URL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		TopP:        cfg.LLM.TopP,
		Timeout:     cfg.LLM.Timeout,
	}, log)

	application := app.New(app.Config{
		Backend:    backend,
		Enumerator: audio.NewEnumerator(backend, log, audio.WithPermissionCheck(permissions.Microphone)),
		Dialer:     transcribe.WSDialer{HandshakeTimeout: cfg.Transcription.HandshakeTimeout},
		Completer:  completer,
		Copier:     inject.New(),
		Config:     cfg,
		ConfigPath: cfgFile,
		Logger:     log,
	})

	return &runtime{cfg: cfg, log: log, backend: backend, app: application}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.LLM.Timeout+5*time.Second)
	defer cancel()
	if err := r.app.Shutdown(ctx); err != nil {
		r.log.Error().Err(err).Msg("Shutdown error")
	}
	if err := r.backend.Close(); err != nil {
		r.log.Error().Err(err).Msg("Failed to release audio backend")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTray() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.backend.Close()

	ctx, cancel := signalContext()
	defer cancel()

	trayUI := tray.New(nil, rt.cfg, Version, Commit, rt.log)
	trayUI.SetApp(rt.app)
	rt.app.SetStatusUpdater(trayUI)

	if withAPI {
		srv := server.New(rt.app, server.Config{Addr: rt.cfg.Server.Addr, Version: Version, Logger: rt.log})
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				rt.log.Error().Err(err).Msg("HTTP API stopped")
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	go func() {
		<-ctx.Done()
		rt.log.Info().Msg("Shutting down...")
		tray.Quit()
	}()

	rt.log.Info().Msg("meetscribe starting...")

	// Start tray UI - MUST run on main thread
	return trayUI.Run(ctx)
}

func runServe() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signalContext()
	defer cancel()

	srv := server.New(rt.app, server.Config{Addr: rt.cfg.Server.Addr, Version: Version, Logger: rt.log})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.log.Info().Msg("Shutting down gracefully...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}

func runRecord() error {
	kinds := make([]pipeline.Kind, 0, len(artifactKind))
	for _, name := range artifactKind {
		kind, err := pipeline.ParseKind(name)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}

	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.close()
	// summaries are generated below, after the transcript is printed
	rt.app.Pipeline().SetAutoSummarize(false)

	ctx, cancel := signalContext()
	defer cancel()

	events, unsubscribe := rt.app.Subscribe()
	defer unsubscribe()
	go printFinals(events)

	if err := rt.app.StartRecording(ctx); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Recording. Press Ctrl+C to stop.")

	done := rt.app.SessionDone()
	select {
	case <-ctx.Done():
		if err := rt.app.StopRecording(); err != nil && !errors.Is(err, app.ErrNotRecording) {
			return err
		}
	case <-done:
	}
	<-done

	// a lost connection still leaves the transcript so far usable
	var interrupted error
	snap := rt.app.Snapshot()
	if snap.Error != "" {
		interrupted = errors.New(snap.Error)
		fmt.Fprintf(os.Stderr, "Recording interrupted: %s\n", snap.Error)
	}
	fmt.Fprintf(os.Stderr, "Recorded %s\n", time.Duration(snap.Elapsed*float64(time.Second)).Round(time.Second))

	if !rt.app.Pipeline().Ready() {
		fmt.Fprintln(os.Stderr, "Nothing was transcribed.")
		return interrupted
	}

	if summarize {
		kinds = append([]pipeline.Kind{pipeline.KindSummary}, kinds...)
	}
	for _, kind := range kinds {
		art, err := rt.app.Artifact(context.Background(), kind)
		if err != nil {
			return errors.Join(interrupted, err)
		}
		if art.Path != "" {
			fmt.Printf("%s saved to %s\n", art.Title, art.Path)
			continue
		}
		fmt.Printf("\n%s\n\n%s\n", art.Title, art.Text)
	}
	return interrupted
}

func printFinals(events <-chan app.Event) {
	for ev := range events {
		if ev.Type == app.EventTranscript && ev.Transcript.Kind == transcript.KindFinal {
			fmt.Printf("[%s] %s\n", ev.Transcript.Role.Label(), ev.Transcript.Text)
		}
	}
}

func runDevices() error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.close()

	devices, err := rt.app.ListDevices(context.Background(), listOutputs)
	if err != nil {
		return err
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %-12s %-40s %s\n", marker, d.Kind, d.Name, d.ID)
	}
	return nil
}
