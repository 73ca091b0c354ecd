package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fmueller/livewhisper/internal/audio"
	"github.com/fmueller/livewhisper/internal/client"
	"github.com/fmueller/livewhisper/internal/protocol"
	"github.com/fmueller/livewhisper/internal/record"
	"github.com/fmueller/livewhisper/internal/transcript"
)

const defaultServerURL = "ws://localhost:9090"

type streamOptions struct {
	serverURL     string
	language      string
	task          string
	model         string
	useVAD        bool
	initialPrompt string
	noSpeech      float64
	maxTime       time.Duration
	idle          time.Duration

	saveRecording string
	srtPath       string
	copy          bool
	copyEmpty     bool

	// microphone
	backend     string
	input       string
	inputFormat string
	duration    time.Duration
	immediate   bool

	// file
	file     string
	realtime bool
}

func defaultStreamOptions() *streamOptions {
	return &streamOptions{
		serverURL: defaultServerURL,
		language:  "auto",
		task:      protocol.TaskTranscribe,
		useVAD:    true,
		idle:      30 * time.Second,
		backend:   "auto",
		realtime:  true,
	}
}

func newClientCmd(app *appState) *cobra.Command {
	opts := defaultStreamOptions()

	cmd := &cobra.Command{
		Use:     "client",
		Aliases: []string{"stream"},
		Short:   "Stream microphone audio to a transcription server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runStream(cmd.Context(), *opts)
		},
	}

	bindStreamFlags(cmd, opts)
	f := cmd.Flags()
	f.StringVar(&opts.backend, "backend", opts.backend, "Recording backend: auto|pw-record|arecord|ffmpeg|portaudio")
	f.StringVar(&opts.input, "input", "", "Input device (run \"livewhisper devices\" to list); e.g. node-ID (pw-record), hw:1,0 (arecord), :1 (ffmpeg)")
	f.StringVar(&opts.inputFormat, "input-format", "", "Input format for ffmpeg backend (pulse|alsa)")
	f.DurationVar(&opts.duration, "duration", 0, "Stream duration, e.g. 30s; 0 means interactive start/stop")
	f.BoolVar(&opts.immediate, "immediate", false, "Start streaming immediately without waiting for Enter")

	return cmd
}

func newTranscribeCmd(app *appState) *cobra.Command {
	opts := defaultStreamOptions()

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe an audio file through a transcription server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.file = args[0]
			return app.runStream(cmd.Context(), *opts)
		},
	}

	bindStreamFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.realtime, "realtime", opts.realtime, "Pace the file at playback speed so the server keeps every window")

	return cmd
}

func bindStreamFlags(cmd *cobra.Command, opts *streamOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.serverURL, "server", opts.serverURL, "Transcription server websocket URL")
	f.StringVar(&opts.language, "language", opts.language, "Language code (auto|en|de|...)")
	f.StringVar(&opts.task, "task", opts.task, "transcribe|translate")
	f.StringVar(&opts.model, "model", "", "Model requested from the server (server default when empty)")
	f.BoolVar(&opts.useVAD, "use-vad", opts.useVAD, "Let the server drop non-speech frames")
	f.StringVar(&opts.initialPrompt, "initial-prompt", "", "Prompt that biases the first window")
	f.Float64Var(&opts.noSpeech, "no-speech-threshold", 0, "Discard segments above this no-speech probability (server default when 0)")
	f.DurationVar(&opts.maxTime, "max-connection-time", 0, "Ask the server for a shorter session limit")
	f.DurationVar(&opts.idle, "idle-timeout", opts.idle, "Stop waiting for updates this long after the audio ended")
	f.StringVar(&opts.saveRecording, "save-recording", "", "Also write the streamed audio to this WAV file")
	f.StringVar(&opts.srtPath, "srt", "", "Write the transcript as SRT captions to this file")
	f.BoolVar(&opts.copy, "copy", false, "Copy the transcript to the clipboard")
	f.BoolVar(&opts.copyEmpty, "copy-empty", false, "Copy blank transcripts to the clipboard")
}

func (a *appState) runStream(ctx context.Context, opts streamOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.file != "" {
		opts.file = filepath.Clean(opts.file)
		if _, err := os.Stat(opts.file); err != nil {
			return fmt.Errorf("audio file not found: %w", err)
		}
	}

	c := client.New(opts.serverURL, protocol.Options{
		Language:          sanitizeLanguage(opts.language),
		Task:              opts.task,
		Model:             opts.model,
		UseVAD:            opts.useVAD,
		InitialPrompt:     opts.initialPrompt,
		NoSpeechThreshold: opts.noSpeech,
		MaxConnectionTime: opts.maxTime.Seconds(),
	}, a.log())
	if err := c.Options.Validate(); err != nil {
		return err
	}

	view := a.newLiveView()
	c.OnSegments = view.update

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	// The first interrupt ends the capture; the transcript is still
	// collected and printed.
	captureCtx, stopCapture := signal.NotifyContext(ctx, os.Interrupt)
	defer stopCapture()

	src, err := a.openStreamSource(captureCtx, opts)
	if err != nil {
		return err
	}
	defer src.Close()

	streamOpts := client.StreamOptions{Realtime: opts.file != "" && opts.realtime}
	if opts.saveRecording != "" {
		wav, closeWAV, err := audio.CreateWAVFile(opts.saveRecording, record.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeWAV(); err != nil {
				a.log().Warn("failed to finish recording", zap.String("path", opts.saveRecording), zap.Error(err))
				return
			}
			a.log().Info("recording saved", zap.String("path", opts.saveRecording))
		}()
		streamOpts.Recording = wav
	}

	progress, stopProgress := a.streamProgress(ctx, opts, view.enabled)
	streamOpts.Progress = progress

	seconds, streamErr := client.Stream(captureCtx, src, c, streamOpts)
	stopProgress()
	stopCapture()
	_ = src.Close()
	if streamErr != nil && !(errors.Is(streamErr, context.Canceled) && ctx.Err() == nil) {
		return streamErr
	}
	a.log().Debug("audio streamed", zap.Float64("seconds", seconds))

	if err := c.SendEndOfAudio(); err != nil {
		a.log().Warn("failed to signal end of audio", zap.Error(err))
	}
	waitErr := c.Wait(ctx, opts.idle)
	if err := c.Close(); err != nil {
		a.log().Debug("closing connection", zap.Error(err))
	}
	view.finish()

	if err := a.finishTranscript(ctx, c.Entries(), opts); err != nil {
		return err
	}
	return waitErr
}

func (a *appState) openStreamSource(ctx context.Context, opts streamOptions) (record.Source, error) {
	if opts.file != "" {
		openFile := a.openFileFn
		if openFile == nil {
			openFile = func(ctx context.Context, path string) (record.Source, error) {
				return record.OpenFile(ctx, path, a.log())
			}
		}
		src, err := openFile(ctx, opts.file)
		if err != nil {
			return nil, err
		}
		a.log().Info("streaming file", zap.String("path", opts.file))
		return src, nil
	}

	interactive := opts.duration <= 0
	if interactive && !opts.immediate {
		if err := record.WaitForEnter(a.input(), a.errWriter(), "Press Enter to start streaming, Enter again to stop."); err != nil {
			return nil, err
		}
	}

	openMic := a.openMicFn
	if openMic == nil {
		openMic = record.OpenWithFallback
	}

	captureCtx, cancel := context.WithCancel(ctx)
	src, backend, err := openMic(captureCtx, opts.backend, record.Config{
		Duration: opts.duration,
		Input:    opts.input,
		Format:   opts.inputFormat,
		Logger:   a.log(),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	a.log().Info("streaming microphone", zap.String("backend", backend))

	if interactive {
		go stopOnEnter(a.input(), cancel)
	}
	return &cancelSource{Source: src, cancel: cancel}, nil
}

// cancelSource releases the capture context with the source.
type cancelSource struct {
	record.Source
	cancel context.CancelFunc
}

func (s *cancelSource) Close() error {
	s.cancel()
	return s.Source.Close()
}

func stopOnEnter(in io.Reader, cancel context.CancelFunc) {
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if err != nil || (n == 1 && buf[0] == '\n') {
			cancel()
			return
		}
	}
}

func (a *appState) streamProgress(ctx context.Context, opts streamOptions, liveView bool) (func(float64), stopFunc) {
	enabled := a.progressEnabled() && !liveView
	switch {
	case opts.file != "":
		return startSecondsProgress(enabled, "Streaming", record.ProbeDuration(ctx, opts.file))
	case opts.duration > 0:
		return nil, startDurationProgress(enabled, "Streaming", opts.duration)
	default:
		return nil, func() {}
	}
}

func (a *appState) finishTranscript(ctx context.Context, entries []transcript.Entry, opts streamOptions) error {
	text := transcript.JoinText(entries)
	fmt.Fprintln(a.outWriter(), text)

	blank := transcript.IsBlank(text)
	if blank {
		a.log().Warn(transcript.NoSpeechHint())
	}

	if opts.srtPath != "" {
		if err := transcript.WriteSRTFile(opts.srtPath, entries); err != nil {
			return err
		}
		a.log().Info("captions written", zap.String("path", opts.srtPath), zap.Int("entries", len(entries)))
	}

	if !opts.copy || (blank && !opts.copyEmpty) {
		return nil
	}
	a.copyTranscript(ctx, text)
	return nil
}

// liveView redraws the latest segment texts on one terminal line.
type liveView struct {
	out     io.Writer
	enabled bool
	width   int

	mu    sync.Mutex
	shown bool
}

func (a *appState) newLiveView() *liveView {
	v := &liveView{out: a.outWriter(), width: 80}
	f, ok := v.out.(*os.File)
	if a.noProgress || !ok || !term.IsTerminal(int(f.Fd())) {
		return v
	}
	v.enabled = true
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 1 {
		v.width = w
	}
	return v
}

func (v *liveView) update(lines []string) {
	if !v.enabled || len(lines) == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	fmt.Fprintf(v.out, "\r\033[2K%s", tailRunes(strings.Join(lines, " "), v.width-1))
	v.shown = true
}

func (v *liveView) finish() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.shown {
		fmt.Fprint(v.out, "\r\033[2K")
		v.shown = false
	}
}

func tailRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := utf8.RuneCountInString(s)
	if count <= n {
		return s
	}
	skip := count - n
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
