package tray

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/meetscribe/internal/app"
	"github.com/petems/meetscribe/internal/audio"
	"github.com/petems/meetscribe/internal/config"
	"github.com/petems/meetscribe/internal/logging"
	"github.com/petems/meetscribe/internal/pipeline"
)

const tooltipMax = 120

type UI struct {
	app     *app.App
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger

	mu        sync.Mutex
	recording bool

	// Menu items
	mStartStop     *systray.MenuItem
	mDevices       *systray.MenuItem
	mSystemDevices *systray.MenuItem
	mArtifacts     *systray.MenuItem
	mCopySummary   *systray.MenuItem
	mAutoSummarize *systray.MenuItem
	artifactItems  map[pipeline.Kind]*systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.setRecording(false)
	u.updateStatus("idle")
	u.refreshArtifacts()
}

func (u *UI) SetConnecting() {
	u.updateStatus("connecting")
}

func (u *UI) SetRecording() {
	u.setRecording(true)
	u.updateStatus("recording")
}

func (u *UI) SetProcessing() {
	u.setRecording(false)
	u.updateStatus("processing")
}

func (u *UI) SetError(msg string) {
	u.setRecording(false)
	u.updateStatus("error")
	systray.SetTooltip(truncate("Error: "+msg, tooltipMax))
	u.refreshArtifacts()
}

func New(application *app.App, cfg *config.Config, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		app:           application,
		cfg:           cfg,
		version:       version,
		commit:        commit,
		log:           log.With().Str("component", "tray").Logger(),
		artifactItems: make(map[pipeline.Kind]*systray.MenuItem),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the platform event loop until Quit.
func (u *UI) Run(ctx context.Context) error {
	systray.Run(func() { u.onReady(ctx) }, u.onExit)
	return nil
}

// Quit ends Run from any goroutine.
func Quit() {
	systray.Quit()
}

func (u *UI) onReady(ctx context.Context) {
	u.updateStatus("idle")
	systray.SetTooltip("Meeting transcription")

	// Build menu
	u.mStartStop = systray.AddMenuItem("Start Recording", "Transcribe microphone and system audio")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Microphone", "Select capture device")
	u.mSystemDevices = systray.AddMenuItem("System Audio", "Select loopback device carrying system audio")
	u.buildDeviceMenus(ctx)

	systray.AddSeparator()
	u.mArtifacts = systray.AddMenuItem("Generate", "Generate documents from the last transcript")
	for _, kind := range pipeline.Kinds() {
		u.artifactItems[kind] = u.mArtifacts.AddSubMenuItem(kind.Title(), "")
	}
	u.mCopySummary = systray.AddMenuItem("Copy Summary", "Copy the last summary to the clipboard")
	u.mAutoSummarize = systray.AddMenuItemCheckbox("Summarize Automatically", "Summarize when a recording ends", u.cfg.AutoSummarize)
	u.refreshArtifacts()

	systray.AddSeparator()
	mExports := systray.AddMenuItem("Open Exports", "Open the exported documents folder")
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About meetscribe")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	for kind, item := range u.artifactItems {
		go u.handleArtifact(ctx, kind, item)
	}
	go u.watchEvents()
	go u.tickElapsed(ctx)

	// Event loop
	go u.handleEvents(ctx, mExports, mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(ctx context.Context, mExports, mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStartStop.ClickedCh:
			go u.toggleRecording(ctx)
		case <-u.mCopySummary.ClickedCh:
			u.copySummary()
		case <-u.mAutoSummarize.ClickedCh:
			u.toggleAutoSummarize()
		case <-mExports.ClickedCh:
			u.open(u.cfg.Export.Dir)
		case <-mLogs.ClickedCh:
			u.open(logging.Path())
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleRecording(ctx context.Context) {
	u.mStartStop.Disable()
	defer u.mStartStop.Enable()

	if err := u.app.ToggleRecording(ctx); err != nil {
		u.log.Error().Err(err).Msg("Recording toggle failed")
	}
}

func (u *UI) buildDeviceMenus(ctx context.Context) {
	devices, err := u.app.ListDevices(ctx, false)
	if err != nil {
		u.log.Warn().Err(err).Msg("Failed to list audio devices")
	}

	u.addDeviceItems(u.mDevices, devices, u.cfg.Audio.MicDeviceID, u.app.SetDevice)
	u.addDeviceItems(u.mSystemDevices, devices, u.cfg.Audio.SystemDeviceID, u.app.SetSystemDevice)
}

// addDeviceItems adds a "Default"/"None" entry followed by every device,
// keeping exactly one item checked.
func (u *UI) addDeviceItems(parent *systray.MenuItem, devices []audio.AudioDevice, selected string, set func(string) error) {
	emptyLabel := "Default"
	if parent == u.mSystemDevices {
		emptyLabel = "None"
	}

	items := make(map[string]*systray.MenuItem)
	items[""] = parent.AddSubMenuItem(emptyLabel, "")
	for _, dev := range devices {
		items[dev.ID] = parent.AddSubMenuItem(dev.Name, "")
	}
	if item, ok := items[selected]; ok {
		item.Check()
	} else {
		items[""].Check()
	}

	for id, item := range items {
		go func(deviceID string, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				if err := set(deviceID); err != nil {
					u.log.Error().Err(err).Str("device", deviceID).Msg("Failed to change device")
					continue
				}
				// Uncheck all other items
				for other, itm := range items {
					if other != deviceID {
						itm.Uncheck()
					}
				}
				menuItem.Check()
				u.log.Info().Str("device", deviceID).Msg("Changed audio device")
			}
		}(id, item)
	}
}

func (u *UI) handleArtifact(ctx context.Context, kind pipeline.Kind, item *systray.MenuItem) {
	for range item.ClickedCh {
		u.updateStatus("processing")
		art, err := u.app.Artifact(ctx, kind)
		if err != nil {
			u.SetError(err.Error())
			continue
		}
		u.updateStatus("idle")
		if art.Path != "" {
			systray.SetTooltip(truncate("Saved "+art.Path, tooltipMax))
			u.open(art.Path)
		} else {
			systray.SetTooltip(truncate(art.Text, tooltipMax))
		}
		u.refreshArtifacts()
	}
}

func (u *UI) copySummary() {
	err := u.app.CopySummary()
	switch {
	case errors.Is(err, app.ErrNoSummary):
		u.log.Info().Msg("No summary to copy yet")
	case err != nil:
		u.log.Error().Err(err).Msg("Failed to copy summary")
	default:
		systray.SetTooltip("Summary copied to clipboard")
	}
}

func (u *UI) toggleAutoSummarize() {
	on := !u.cfg.AutoSummarize
	if err := u.app.SetAutoSummarize(on); err != nil {
		u.log.Error().Err(err).Msg("Failed to save config")
	}
	if on {
		u.mAutoSummarize.Check()
	} else {
		u.mAutoSummarize.Uncheck()
	}
	u.log.Info().Bool("enabled", on).Msg("Changed automatic summary")
}

// refreshArtifacts enables document actions only once a transcript exists.
func (u *UI) refreshArtifacts() {
	if u.mArtifacts == nil {
		return
	}
	ready := u.app.Pipeline().Ready() && !u.isRecording()
	for _, item := range append([]*systray.MenuItem{u.mArtifacts}, itemsOf(u.artifactItems)...) {
		if ready {
			item.Enable()
		} else {
			item.Disable()
		}
	}
	if _, ok := u.app.Pipeline().LastSummary(); ok {
		u.mCopySummary.Enable()
	} else {
		u.mCopySummary.Disable()
	}
}

func itemsOf(m map[pipeline.Kind]*systray.MenuItem) []*systray.MenuItem {
	out := make([]*systray.MenuItem, 0, len(m))
	for _, item := range m {
		out = append(out, item)
	}
	return out
}

// watchEvents mirrors live partials into the tooltip.
func (u *UI) watchEvents() {
	events, unsubscribe := u.app.Subscribe()
	defer unsubscribe()

	for ev := range events {
		switch ev.Type {
		case app.EventTranscript:
			systray.SetTooltip(truncate(ev.Transcript.Role.Label()+": "+ev.Transcript.Text, tooltipMax))
		case app.EventArtifact:
			u.refreshArtifacts()
		}
	}
}

func (u *UI) tickElapsed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.isRecording() {
				u.updateStatus("recording")
			}
		}
	}
}

func (u *UI) setRecording(on bool) {
	u.mu.Lock()
	u.recording = on
	u.mu.Unlock()

	if u.mStartStop == nil {
		return
	}
	if on {
		u.mStartStop.SetTitle("Stop Recording")
	} else {
		u.mStartStop.SetTitle("Start Recording")
	}
}

func (u *UI) isRecording() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.recording
}

func (u *UI) open(path string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open")
	}
}

func (u *UI) showAbout() {
	systray.SetTooltip(fmt.Sprintf("meetscribe %s (%s)", u.version, u.commit))
	u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("About")
}

func (u *UI) onExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := u.app.Shutdown(ctx); err != nil {
		u.log.Error().Err(err).Msg("Shutdown error")
	}
}

// updateStatus sets the tray title with microphone emoji, status indicator
// and, while recording, the elapsed time.
func (u *UI) updateStatus(status string) {
	title := fmt.Sprintf("🎤 %s", emojiForStatus(status))
	if status == "recording" && u.app != nil {
		title += " " + formatElapsed(u.app.Elapsed())
	}
	systray.SetTitle(title)
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "recording":
		return "🔴" // Red - recording
	case "connecting", "processing":
		return "🟡" // Yellow - waiting on the network
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}

// formatElapsed renders a duration as MM:SS; minutes keep counting past 59.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
