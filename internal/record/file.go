package record

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fmueller/livewhisper/internal/audio"
)

// OpenFile decodes an audio file into the capture format. ffmpeg handles
// any container; without it only WAV files already at SampleRate are read.
func OpenFile(ctx context.Context, path string, logger *zap.Logger) (Source, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}

	if commandAvailable("ffmpeg") {
		args := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error", "-i", path}, ffmpegOutputArgs()...)
		return startCommand(ctx, "ffmpeg", args, 0, logger)
	}

	if logger != nil {
		logger.Debug("ffmpeg not found, reading wav directly", zap.String("path", path))
	}
	return openWAV(path)
}

func openWAV(path string) (Source, error) {
	wav, err := audio.ReadWAV(path)
	if err != nil {
		if errors.Is(err, audio.ErrInvalidWAV) || errors.Is(err, audio.ErrUnsupportedWAV) {
			return nil, fmt.Errorf("ffmpeg is required to decode %s: %w", filepath.Base(path), err)
		}
		return nil, err
	}
	if wav.SampleRate != SampleRate {
		return nil, fmt.Errorf("ffmpeg is required to resample %s from %d Hz to %d Hz", filepath.Base(path), wav.SampleRate, SampleRate)
	}
	return io.NopCloser(bytes.NewReader(audio.Float32ToPCM16(wav.Samples))), nil
}

// ProbeDuration returns the length of an audio file, or zero when it cannot
// be determined.
func ProbeDuration(ctx context.Context, path string) time.Duration {
	if commandAvailable("ffprobe") {
		out, err := commandOutput(ctx, "ffprobe", "-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
		if err == nil {
			if secs, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second))
			}
		}
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if wav, err := audio.ReadWAV(path); err == nil {
			return time.Duration(wav.Duration() * float64(time.Second))
		}
	}
	return 0
}
