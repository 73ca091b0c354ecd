package record

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

type ffmpegLinuxBackend struct{}

func newFFMPEGLinuxBackend() Backend {
	return &ffmpegLinuxBackend{}
}

func (b *ffmpegLinuxBackend) Name() string {
	return "ffmpeg"
}

func (b *ffmpegLinuxBackend) Available() bool {
	return commandAvailable("ffmpeg")
}

// Open captures from PulseAudio when pactl is around and from ALSA
// otherwise, unless cfg.Format names the input format.
func (b *ffmpegLinuxBackend) Open(ctx context.Context, cfg Config) (Source, error) {
	format := cfg.Format
	if format == "" {
		format = "alsa"
		if commandAvailable("pactl") {
			format = "pulse"
		}
	}
	input := cfg.Input
	if input == "" {
		input = "default"
	}

	return startCommand(ctx, "ffmpeg", ffmpegCaptureArgs(format, input, cfg.Duration), cfg.Duration, cfg.Logger)
}

func (b *ffmpegLinuxBackend) ListDevices(ctx context.Context) (string, error) {
	var sections []string

	if commandAvailable("pactl") {
		if out, err := commandOutput(ctx, "pactl", "list", "short", "sources"); err == nil {
			sections = append(sections, "PulseAudio/PipeWire sources:\n"+out)
		} else {
			sections = append(sections, "PulseAudio/PipeWire sources: "+err.Error())
		}
	}

	if commandAvailable("arecord") {
		if out, err := commandOutput(ctx, "arecord", "-L"); err == nil {
			sections = append(sections, "ALSA devices:\n"+out)
		} else {
			sections = append(sections, "ALSA devices: "+err.Error())
		}
	}

	if len(sections) == 0 {
		return "", errors.New("no device listing command available")
	}

	return strings.Join(sections, "\n\n"), nil
}

// ffmpegCaptureArgs reads from an input device and writes s16le to stdout.
func ffmpegCaptureArgs(format, input string, duration time.Duration) []string {
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error", "-f", format, "-i", input}
	if duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64))
	}
	return append(args, ffmpegOutputArgs()...)
}

func ffmpegOutputArgs() []string {
	return []string{
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-f", "s16le",
		"-",
	}
}
