package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/livewhisper/internal/clipboard"
	"github.com/fmueller/livewhisper/internal/config"
	"github.com/fmueller/livewhisper/internal/logging"
	"github.com/fmueller/livewhisper/internal/platform"
	"github.com/fmueller/livewhisper/internal/record"
	"github.com/fmueller/livewhisper/internal/server"
	"github.com/fmueller/livewhisper/internal/version"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool

	logger *zap.Logger
	now    func() time.Time
	out    io.Writer
	errOut io.Writer
	stdin  io.Reader

	copyFn     func(ctx context.Context, value string) error
	openMicFn  func(ctx context.Context, backend string, cfg record.Config) (record.Source, string, error)
	openFileFn func(ctx context.Context, path string) (record.Source, error)
	serveFn    func(ctx context.Context, cfg config.Config, srv *server.Server) error
}

func newAppState() *appState {
	app := &appState{
		now:   time.Now,
		stdin: os.Stdin,
	}
	app.copyFn = app.copyToClipboard
	app.openMicFn = record.OpenWithFallback
	app.openFileFn = func(ctx context.Context, path string) (record.Source, error) {
		return record.OpenFile(ctx, path, app.log())
	}
	app.serveFn = func(ctx context.Context, _ config.Config, srv *server.Server) error {
		return srv.ListenAndServe(ctx)
	}
	return app
}

func NewRootCmd() *cobra.Command {
	app := newAppState()

	cmd := &cobra.Command{
		Use:           "livewhisper",
		Short:         "Near-real-time speech transcription over websockets",
		Long:          "livewhisper runs a websocket transcription server backed by whisper.cpp or an OpenAI-compatible endpoint, and streams microphone or file audio to it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			app.out = cmd.OutOrStdout()
			app.errOut = cmd.ErrOrStderr()
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators and the live transcript line")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newClientCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newRecordCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newHistoryCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (a *appState) copyToClipboard(ctx context.Context, value string) error {
	copier, err := clipboard.Detect()
	if err != nil {
		return err
	}
	a.log().Debug("copying transcript", zap.String("tool", copier.Name))
	return copier.Copy(ctx, value)
}

func (a *appState) recordingOutputPath(override string) (string, error) {
	if strings.TrimSpace(override) != "" {
		if err := os.MkdirAll(filepath.Dir(override), 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
		return override, nil
	}

	recordingDir, err := platform.ResolveRecordingDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(recordingDir, 0o755); err != nil {
		return "", fmt.Errorf("create recording directory %s: %w", recordingDir, err)
	}

	return filepath.Join(recordingDir, fmt.Sprintf("recording-%s.wav", a.clock().Format("20060102-150405"))), nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) errWriter() io.Writer {
	if a.errOut == nil {
		return os.Stderr
	}
	return a.errOut
}

func (a *appState) input() io.Reader {
	if a.stdin == nil {
		return os.Stdin
	}
	return a.stdin
}

// copyTranscript copies a finished transcript. Clipboard failures leave the
// transcript on stdout and are not fatal.
func (a *appState) copyTranscript(ctx context.Context, text string) {
	copyFn := a.copyFn
	if copyFn == nil {
		copyFn = a.copyToClipboard
	}

	if err := copyFn(ctx, text); err != nil {
		if errors.Is(err, clipboard.ErrUnavailable) {
			a.log().Warn("clipboard tool unavailable; transcript left on stdout")
			return
		}
		a.log().Warn("failed to copy transcript to clipboard; transcript left on stdout", zap.Error(err))
		return
	}
	a.log().Info("transcript copied to clipboard")
}

func sanitizeLanguage(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return "auto"
	}
	return trimmed
}
