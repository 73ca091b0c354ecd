package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/audio"
	"github.com/fmueller/livewhisper/internal/record"
)

// silenceThresholdDBFS is the RMS level below which a finished recording is
// reported as silent.
const silenceThresholdDBFS = -65.0

type recordOptions struct {
	duration    time.Duration
	output      string
	backend     string
	input       string
	inputFormat string
	immediate   bool
}

func newRecordCmd(app *appState) *cobra.Command {
	opts := &recordOptions{backend: "auto"}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record microphone audio into a 16 kHz WAV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := app.recordAudio(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	f := cmd.Flags()
	f.DurationVar(&opts.duration, "duration", 0, "Record duration, e.g. 6s; 0 means interactive start/stop")
	f.StringVar(&opts.output, "output", "", "Output WAV file path")
	f.StringVar(&opts.backend, "backend", opts.backend, "Recording backend: auto|pw-record|arecord|ffmpeg|portaudio")
	f.StringVar(&opts.input, "input", "", "Input device (run \"livewhisper devices\" to list)")
	f.StringVar(&opts.inputFormat, "input-format", "", "Input format for ffmpeg backend (pulse|alsa)")
	f.BoolVar(&opts.immediate, "immediate", false, "Start recording immediately without waiting for Enter")

	return cmd
}

func (a *appState) recordAudio(ctx context.Context, opts recordOptions) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	outPath, err := a.recordingOutputPath(opts.output)
	if err != nil {
		return "", err
	}

	interactive := opts.duration <= 0
	if interactive && !opts.immediate {
		if err := record.WaitForEnter(a.input(), a.errWriter(), "Press Enter to start recording, Enter again to stop."); err != nil {
			return "", err
		}
	}

	captureCtx, stopCapture := signal.NotifyContext(ctx, os.Interrupt)
	defer stopCapture()
	captureCtx, cancel := context.WithCancel(captureCtx)
	defer cancel()

	openMic := a.openMicFn
	if openMic == nil {
		openMic = record.OpenWithFallback
	}
	src, backend, err := openMic(captureCtx, opts.backend, record.Config{
		Duration: opts.duration,
		Input:    opts.input,
		Format:   opts.inputFormat,
		Logger:   a.log(),
	})
	if err != nil {
		return "", fmt.Errorf("open microphone: %w", err)
	}
	defer src.Close()
	if interactive {
		go stopOnEnter(a.input(), cancel)
	}

	wav, closeWAV, err := audio.CreateWAVFile(outPath, record.SampleRate)
	if err != nil {
		return "", err
	}

	a.log().Info("recording started", zap.String("backend", backend), zap.String("output", outPath))
	stopProgress := startSpinner(a.progressEnabled(), "Recording")
	if !interactive {
		stopProgress = startDurationProgress(a.progressEnabled(), "Recording", opts.duration)
	}

	written, copyErr := io.Copy(wav, src)
	stopProgress()
	if copyErr != nil && errors.Is(copyErr, context.Canceled) && ctx.Err() == nil {
		copyErr = nil
	}
	if err := closeWAV(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return "", fmt.Errorf("record audio with backend %s: %w", backend, copyErr)
	}

	a.log().Info("recording finished",
		zap.String("path", outPath),
		zap.Float64("seconds", audio.Seconds(int(written/record.BytesPerSample), record.SampleRate)),
	)

	if silent, levels, err := audio.IsSilentWAV(outPath, silenceThresholdDBFS); err == nil && silent {
		a.log().Warn("recording looks silent; check the input device",
			zap.Float64("rms_dbfs", levels.RMSdBFS),
			zap.Float64("peak_dbfs", levels.PeakdBFS),
		)
	}
	return outPath, nil
}
