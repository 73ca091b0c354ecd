//go:build portaudio

package record

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// portAudioFrames is 100ms at SampleRate.
const portAudioFrames = 1600

type portAudioBackend struct{}

func newPortAudioBackend() Backend {
	return &portAudioBackend{}
}

func (b *portAudioBackend) Name() string {
	return "portaudio"
}

func (b *portAudioBackend) Available() bool {
	return true
}

// Open captures from the default input device. cfg.Input is not used.
func (b *portAudioBackend) Open(ctx context.Context, cfg Config) (Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Input != "" {
		logger.Debug("portaudio records from the default device, ignoring input", zap.String("input", cfg.Input))
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}

	in := make([]int16, portAudioFrames)
	stream, err := portaudio.OpenDefaultStream(Channels, 0, SampleRate, len(in), in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start input stream: %w", err)
	}

	remaining := int64(-1)
	if cfg.Duration > 0 {
		remaining = int64(cfg.Duration.Seconds() * SampleRate)
	}

	return &portAudioSource{
		ctx:       ctx,
		stream:    stream,
		in:        in,
		remaining: remaining,
		logger:    logger,
	}, nil
}

func (b *portAudioBackend) ListDevices(context.Context) (string, error) {
	if err := portaudio.Initialize(); err != nil {
		return "", fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return "", fmt.Errorf("list portaudio devices: %w", err)
	}

	var lines []string
	for i, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		host := ""
		if d.HostApi != nil {
			host = d.HostApi.Name
		}
		lines = append(lines, fmt.Sprintf("%d: %s (%s, %d channels)", i, d.Name, host, d.MaxInputChannels))
	}
	if len(lines) == 0 {
		return "", errors.New("portaudio found no input devices")
	}
	return strings.Join(lines, "\n"), nil
}

type portAudioSource struct {
	ctx    context.Context
	stream *portaudio.Stream
	in     []int16
	logger *zap.Logger

	mu        sync.Mutex
	pending   []byte
	remaining int64
	closed    bool
}

func (s *portAudioSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if s.closed || s.remaining == 0 {
			return 0, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				s.logger.Debug("portaudio input overflowed")
				continue
			}
			return 0, fmt.Errorf("read input stream: %w", err)
		}

		samples := s.in
		if s.remaining > 0 && int64(len(samples)) > s.remaining {
			samples = samples[:s.remaining]
		}
		if s.remaining > 0 {
			s.remaining -= int64(len(samples))
		}
		buf := make([]byte, len(samples)*BytesPerSample)
		for i, v := range samples {
			binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(v))
		}
		s.pending = buf
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *portAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stream.Stop()
	err := s.stream.Close()
	_ = portaudio.Terminate()
	return err
}
