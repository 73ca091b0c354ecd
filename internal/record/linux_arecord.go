package record

import (
	"context"
	"strconv"
	"time"
)

type alsaBackend struct{}

func newALSARecorderBackend() Backend {
	return &alsaBackend{}
}

func (b *alsaBackend) Name() string {
	return "arecord"
}

func (b *alsaBackend) Available() bool {
	return commandAvailable("arecord")
}

func (b *alsaBackend) Open(ctx context.Context, cfg Config) (Source, error) {
	return startCommand(ctx, "arecord", arecordArgs(cfg), cfg.Duration, cfg.Logger)
}

func arecordArgs(cfg Config) []string {
	args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", strconv.Itoa(SampleRate), "-c", strconv.Itoa(Channels)}
	if cfg.Input != "" {
		args = append(args, "-D", cfg.Input)
	}
	// -d only takes whole seconds; shorter captures rely on the stop timer.
	if secs := int(cfg.Duration / time.Second); secs > 0 {
		args = append([]string{"-d", strconv.Itoa(secs)}, args...)
	}
	return args
}

func (b *alsaBackend) ListDevices(ctx context.Context) (string, error) {
	return commandOutput(ctx, "arecord", "-L")
}
