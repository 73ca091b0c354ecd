package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fmueller/livewhisper/internal/audio"
	"github.com/fmueller/livewhisper/internal/protocol"
)

// ChunkSamples is the number of samples sent per frame.
const ChunkSamples = 4096

// Sender is the part of Client that Stream needs.
type Sender interface {
	Send(samples []float32) error
}

type StreamOptions struct {
	// Recording receives the raw s16le PCM as it is sent.
	Recording io.Writer
	// Progress is called with the seconds sent so far after every frame.
	Progress func(seconds float64)
	// Realtime paces sending to the audio clock, for sources that produce
	// audio faster than it plays, like files.
	Realtime bool
}

// Stream reads s16le mono PCM from src and sends it in ChunkSamples frames
// until src is exhausted. It returns the seconds of audio sent.
func Stream(ctx context.Context, src io.Reader, sender Sender, opts StreamOptions) (float64, error) {
	buf := make([]byte, ChunkSamples*2)
	var sent int
	started := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return audio.Seconds(sent, protocol.SampleRate), err
		}

		n, readErr := io.ReadFull(src, buf)
		n -= n % 2
		if n > 0 {
			chunk := buf[:n]
			if opts.Recording != nil {
				if _, err := opts.Recording.Write(chunk); err != nil {
					return audio.Seconds(sent, protocol.SampleRate), fmt.Errorf("write recording: %w", err)
				}
			}
			if err := sender.Send(audio.PCM16ToFloat32(chunk)); err != nil {
				return audio.Seconds(sent, protocol.SampleRate), fmt.Errorf("send audio: %w", err)
			}
			sent += n / 2

			seconds := audio.Seconds(sent, protocol.SampleRate)
			if opts.Progress != nil {
				opts.Progress(seconds)
			}
			if opts.Realtime {
				ahead := time.Duration(seconds*float64(time.Second)) - time.Since(started)
				if !sleep(ctx, ahead) {
					return seconds, ctx.Err()
				}
			}
		}

		if readErr != nil {
			seconds := audio.Seconds(sent, protocol.SampleRate)
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return seconds, nil
			}
			return seconds, fmt.Errorf("read audio: %w", readErr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
