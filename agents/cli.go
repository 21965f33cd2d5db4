package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/wohnpro/livevoice"
	"github.com/wohnpro/livevoice/capture"
	"github.com/wohnpro/livevoice/playback"
	"github.com/wohnpro/livevoice/shared"
	"github.com/wohnpro/livevoice/transcript"
	"github.com/wohnpro/livevoice/transport"
	"go.uber.org/zap"
)

const (
	meterInterval = 100 * time.Millisecond
	meterWidth    = 30
	// the meter stays hidden while transcript text is streaming
	meterQuiet = 1500 * time.Millisecond
)

// TranscriptExport is the file written to Config.TranscriptPath when a
// session ends.
type TranscriptExport struct {
	SessionID string            `json:"session_id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	EndedAt   time.Time         `json:"ended_at"`
	Error     string            `json:"error,omitempty"`
	Turns     []transcript.Turn `json:"turns"`
}

type CLIState struct {
	lastRole     transcript.Role
	lastFragment time.Time
	meterShown   bool
}

func NewCLIState() *CLIState {
	return &CLIState{}
}

// CLIAgent runs one voice session against the default microphone and
// speaker and renders its callbacks to a Printer.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	cfg     *shared.Config
	ctrl    *livevoice.Controller
	state   *CLIState
	cancel  context.CancelFunc
	done    chan struct{}

	mu sync.Mutex
}

// NewDialer picks the transport for the configured provider.
func NewDialer(logger shared.LoggerAdapter, provider string) (transport.Dialer, error) {
	switch provider {
	case shared.ProviderGemini:
		return transport.NewGeminiDialer(logger)
	case shared.ProviderOpenAI:
		return transport.NewRealtimeDialer(logger)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	printer *shared.Printer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if cfg.APIKey == "" {
		return shared.ErrNoAPIKey
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.cfg = cfg
	a.state = NewCLIState()
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Session Config\n", 0)
	yamlBytes, err := cfg.YAML()
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
		return err
	}

	// Knowledge base
	corpus, err := transcript.LoadCorpus(cfg.CorpusPath)
	if err != nil {
		a.logger.Error("loading corpus", err, zap.String("path", cfg.CorpusPath))
		return err
	}
	a.logger.Info("corpus loaded", zap.Int("documents", corpus.Len()))
	a.println(fmt.Sprintf("\n\n📚 %d document(s) loaded.", corpus.Len()), 0)

	dialer, err := NewDialer(a.logger, cfg.Provider)
	if err != nil {
		a.logger.Error("creating dialer", err)
		return err
	}

	// Audio output
	a.println("🔈 Opening audio output...", 0)
	speaker, err := playback.NewSpeaker(a.logger, cfg.OutputSampleRate, cfg.PlaybackBuffer())
	if err != nil {
		a.logger.Error("opening audio output", err)
		a.println("❌ Unable to open the audio output device.\n", 0)
		return err
	}

	a.ctrl, err = livevoice.NewController(a.logger, cfg, livevoice.Dependencies{
		Dialer: dialer,
		Source: capture.NewMicrophone(),
		Output: speaker,
		Corpus: corpus,
	}, livevoice.Callbacks{
		OnStatusChange:       a.onStatus,
		OnCitations:          a.onCitations,
		OnTranscriptFragment: a.onFragment,
	})
	if err != nil {
		a.logger.Error("creating controller", err)
		_ = speaker.Close()
		return err
	}

	a.println("🎤 Accessing microphone and connecting...", 0)
	ctx, a.cancel = context.WithCancel(ctx)
	if err := a.ctrl.Start(ctx); err != nil {
		a.cancel()
		close(a.done)
		a.logger.Error("starting session", err)
		if errors.Is(err, shared.ErrDeviceUnavailable) {
			a.println("❌ Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it.\n", 0)
		}
		return err
	}
	a.println("✅ Session started. Speak now, Ctrl+C ends the session.\n", 0)

	go a.meter(ctx)
	go a.wait()
	return nil
}

// Done is closed after the session ended and the transcript was exported.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	if a.ctrl == nil {
		return nil
	}
	_, err := a.ctrl.Close()
	<-a.done
	return err
}

func (a *CLIAgent) wait() {
	defer close(a.done)
	<-a.ctrl.Done()
	a.cancel()
	a.clearMeter()

	history, cause := a.ctrl.History(), a.ctrl.Err()
	a.println(fmt.Sprintf("\n\n👋 Session ended with %d turn(s).", len(history)), 0)
	if err := a.export(history, cause); err != nil {
		a.logger.Error("exporting transcript", err, zap.String("path", a.cfg.TranscriptPath))
		return
	}
	if a.cfg.TranscriptPath != "" {
		a.println("💾 Transcript saved to "+a.cfg.TranscriptPath, 0)
	}
}

func (a *CLIAgent) export(history []transcript.Turn, cause error) error {
	if a.cfg.TranscriptPath == "" {
		return nil
	}
	out := TranscriptExport{
		SessionID: a.ctrl.ID(),
		Provider:  a.cfg.Provider,
		Model:     a.cfg.Model,
		EndedAt:   time.Now().UTC(),
		Turns:     history,
	}
	if cause != nil {
		out.Error = cause.Error()
	}
	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling transcript: %w", err)
	}
	if err := os.WriteFile(a.cfg.TranscriptPath, data, 0o644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

func (a *CLIAgent) onStatus(s livevoice.SessionState) {
	var msg string
	switch s {
	case livevoice.StateConnecting:
		msg = "🔌 Connecting..."
	case livevoice.StateActive:
		return
	case livevoice.StateInterrupted:
		msg = "✋ Interrupted"
	case livevoice.StateError:
		msg = "❌ Session failed"
	case livevoice.StateClosed:
		msg = "⏹️  Session closed"
	default:
		return
	}
	a.mu.Lock()
	a.state.lastRole = ""
	a.mu.Unlock()
	a.clearMeter()
	a.println("\n"+msg, 0)
}

func (a *CLIAgent) onFragment(role transcript.Role, text string) {
	a.mu.Lock()
	newRole := a.state.lastRole != role
	a.state.lastRole = role
	a.state.lastFragment = time.Now()
	a.mu.Unlock()

	a.clearMeter()
	if newRole {
		prefix := "🧑 "
		if role == transcript.RoleModel {
			prefix = "🤖 "
		}
		a.print("\n"+prefix, 0)
	}
	a.print(text, 0)
}

func (a *CLIAgent) onCitations(list []transcript.Citation) {
	if len(list) == 0 {
		return
	}
	latest := list[len(list)-1]
	a.mu.Lock()
	a.state.lastRole = ""
	a.mu.Unlock()
	a.println(fmt.Sprintf("\n📄 %s: %s", latest.DisplayName(), latest.Snippet), 1)
}

// meter draws the combined input/output level while nobody is speaking text.
func (a *CLIAgent) meter(ctx context.Context) {
	ticker := time.NewTicker(meterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t := a.ctrl.Telemetry()
		a.mu.Lock()
		quiet := time.Since(a.state.lastFragment) > meterQuiet
		if quiet {
			a.state.meterShown = true
			a.state.lastRole = ""
		}
		a.mu.Unlock()
		if !quiet {
			continue
		}
		n := max(0, min(int(t.Volume*meterWidth), meterWidth))
		bar := strings.Repeat("█", n) + strings.Repeat("·", meterWidth-n)
		if err := a.printer.Overwrite(fmt.Sprintf("🎚️  %s", bar), 0); err != nil {
			a.logger.Debug("drawing level meter", zap.Error(err))
		}
	}
}

func (a *CLIAgent) clearMeter() {
	a.mu.Lock()
	shown := a.state.meterShown
	a.state.meterShown = false
	a.mu.Unlock()
	if shown {
		_ = a.printer.Overwrite("", 0)
	}
}

func (a *CLIAgent) print(s string, ind int) {
	if err := a.printer.Write(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing", err)
	}
}
