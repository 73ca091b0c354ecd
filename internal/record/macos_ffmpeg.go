package record

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// defaultAVFoundationInput captures the default microphone with no video.
const defaultAVFoundationInput = ":0"

type ffmpegMacBackend struct{}

func newFFMPEGMacOSBackend() Backend {
	return &ffmpegMacBackend{}
}

func (b *ffmpegMacBackend) Name() string {
	return "ffmpeg"
}

func (b *ffmpegMacBackend) Available() bool {
	return commandAvailable("ffmpeg")
}

func (b *ffmpegMacBackend) Open(ctx context.Context, cfg Config) (Source, error) {
	return startCommand(ctx, "ffmpeg", ffmpegCaptureArgs("avfoundation", avfoundationInput(cfg.Input), cfg.Duration), cfg.Duration, cfg.Logger)
}

// avfoundationInput accepts a bare audio device index ("1") as well as the
// "video:audio" form ffmpeg expects.
func avfoundationInput(input string) string {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return defaultAVFoundationInput
	case strings.Contains(input, ":"):
		return input
	default:
		return ":" + input
	}
}

// ListDevices returns the avfoundation device listing. ffmpeg prints it on
// stderr and exits non-zero because no input is opened.
func (b *ffmpegMacBackend) ListDevices(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	out, _ := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "", errors.New("ffmpeg returned no device output")
	}
	return trimmed, nil
}
