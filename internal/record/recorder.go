// Package record captures microphone audio and decodes audio files into a
// stream of 16 kHz mono s16le PCM.
package record

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	SampleRate = 16000
	Channels   = 1
	// BytesPerSample of the s16le stream.
	BytesPerSample = 2
)

var ErrInteractiveRequiresTTY = errors.New("interactive recording requires terminal input")
var ErrNoBackendAvailable = errors.New("no recording backend available")

type Config struct {
	// Duration stops the capture after this long; zero records until the
	// source is closed or ctx is canceled.
	Duration time.Duration
	Input    string
	Format   string
	Logger   *zap.Logger
}

// Source is a stream of s16le mono PCM at SampleRate. Read returns io.EOF
// once the capture stopped on its own or after Close.
type Source interface {
	io.ReadCloser
}

type Backend interface {
	Name() string
	Available() bool
	Open(ctx context.Context, cfg Config) (Source, error)
	ListDevices(ctx context.Context) (string, error)
}

func SelectBackend(backends []Backend, preferred string) (Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred != "" && preferred != "auto" {
		for _, backend := range backends {
			if backend.Name() == preferred {
				if !backend.Available() {
					return nil, fmt.Errorf("requested backend %q is not available", preferred)
				}
				return backend, nil
			}
		}
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	for _, backend := range backends {
		if backend.Available() {
			return backend, nil
		}
	}

	return nil, ErrNoBackendAvailable
}

func DefaultBackends(goos string) []Backend {
	var backends []Backend
	switch goos {
	case "linux":
		backends = []Backend{newPipeWireBackend(), newALSARecorderBackend(), newFFMPEGLinuxBackend()}
	case "darwin":
		backends = []Backend{newFFMPEGMacOSBackend()}
	}
	if pa := newPortAudioBackend(); pa != nil {
		backends = append(backends, pa)
	}
	return backends
}

func NewBackend(preferred string) (Backend, error) {
	backends := DefaultBackends(runtime.GOOS)
	if len(backends) == 0 {
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	return SelectBackend(backends, preferred)
}

// OpenWithFallback opens the preferred backend first and then every other
// available one until a capture starts. It returns the source and the name
// of the backend that produced it.
func OpenWithFallback(ctx context.Context, preferred string, cfg Config) (Source, string, error) {
	backends := DefaultBackends(runtime.GOOS)
	if len(backends) == 0 {
		return nil, "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}

	return openWithFallback(ctx, backends, preferred, cfg)
}

func openWithFallback(ctx context.Context, backends []Backend, preferred string, cfg Config) (Source, string, error) {
	orderedBackends, err := orderBackends(backends, preferred)
	if err != nil {
		return nil, "", err
	}

	var errs []error
	for _, backend := range orderedBackends {
		if !backend.Available() {
			errs = append(errs, fmt.Errorf("%s: backend is not available", backend.Name()))
			continue
		}

		src, err := backend.Open(ctx, cfg)
		if err == nil {
			return src, backend.Name(), nil
		}

		err = fmt.Errorf("%s: %w", backend.Name(), err)
		errs = append(errs, err)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, "", err
		}
	}

	if len(errs) == 0 {
		return nil, "", ErrNoBackendAvailable
	}

	return nil, "", fmt.Errorf("open audio capture with available backends: %w", errors.Join(errs...))
}

func orderBackends(backends []Backend, preferred string) ([]Backend, error) {
	if len(backends) == 0 {
		return nil, errors.New("no backends configured")
	}

	if preferred == "" || preferred == "auto" {
		return backends, nil
	}

	preferredIndex := -1
	for i, backend := range backends {
		if backend.Name() == preferred {
			preferredIndex = i
			break
		}
	}
	if preferredIndex == -1 {
		return nil, fmt.Errorf("unknown backend %q", preferred)
	}

	ordered := make([]Backend, 0, len(backends))
	ordered = append(ordered, backends[preferredIndex])
	for i, backend := range backends {
		if i == preferredIndex {
			continue
		}
		ordered = append(ordered, backend)
	}

	return ordered, nil
}

func WaitForEnter(in io.Reader, out io.Writer, message string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ErrInteractiveRequiresTTY
	}

	if message != "" {
		if _, err := fmt.Fprintln(out, message); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(in)
	_, err := reader.ReadString('\n')
	return err
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		if trimmed != "" {
			return "", fmt.Errorf("%s %s failed: %w (%s)", name, strings.Join(args, " "), err, trimmed)
		}
		return "", fmt.Errorf("%s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return trimmed, nil
}
