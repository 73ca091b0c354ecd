package record

import (
	"context"
	"errors"
	"strconv"
)

type pipewireBackend struct{}

func newPipeWireBackend() Backend {
	return &pipewireBackend{}
}

func (b *pipewireBackend) Name() string {
	return "pw-record"
}

func (b *pipewireBackend) Available() bool {
	return commandAvailable("pw-record")
}

// Open streams raw samples to stdout. pw-record has no duration flag, so a
// timed capture is stopped with an interrupt.
func (b *pipewireBackend) Open(ctx context.Context, cfg Config) (Source, error) {
	return startCommand(ctx, "pw-record", pipewireArgs(cfg), cfg.Duration, cfg.Logger)
}

func pipewireArgs(cfg Config) []string {
	args := []string{"--rate", strconv.Itoa(SampleRate), "--channels", strconv.Itoa(Channels), "--format", "s16"}
	if cfg.Input != "" {
		args = append(args, "--target", cfg.Input)
	}
	return append(args, "-")
}

func (b *pipewireBackend) ListDevices(ctx context.Context) (string, error) {
	if commandAvailable("pw-cli") {
		return commandOutput(ctx, "pw-cli", "ls", "Node")
	}

	if out, err := commandOutput(ctx, "pw-record", "--list-targets"); err == nil {
		return out, nil
	}

	if commandAvailable("pactl") {
		return commandOutput(ctx, "pactl", "list", "short", "sources")
	}

	return "", errors.New("no pipewire device listing command available")
}
