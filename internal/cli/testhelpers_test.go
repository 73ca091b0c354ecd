package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/livewhisper/internal/audio"
	"github.com/fmueller/livewhisper/internal/record"
	"github.com/fmueller/livewhisper/internal/server"
	"github.com/fmueller/livewhisper/internal/store"
	"github.com/fmueller/livewhisper/internal/whisper"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func makePCM16WAVForTest(samples []int16, sampleRate int, channels int) []byte {
	bytesPerSample := 2
	dataSize := len(samples) * bytesPerSample
	fmtChunkSize := 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], []byte("RIFF"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], []byte("WAVE"))
	off += 4

	copy(out[off:], []byte("fmt "))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(fmtChunkSize))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 1)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], uint16(channels))
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(sampleRate*channels*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], uint16(channels*bytesPerSample))
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 16)
	off += 2

	copy(out[off:], []byte("data"))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for _, s := range samples {
		binary.LittleEndian.PutUint16(out[off:], uint16(s))
		off += 2
	}

	return out
}

// tone returns seconds of a constant non-silent signal.
func tone(seconds float64) []float32 {
	samples := make([]float32, int(seconds*record.SampleRate))
	for i := range samples {
		samples[i] = 0.2
	}
	return samples
}

// pcmSource serves samples as the s16le stream a capture backend yields.
func pcmSource(samples []float32) record.Source {
	return io.NopCloser(bytes.NewReader(audio.Float32ToPCM16(samples)))
}

// wavFileOpener decodes test WAV files without ffmpeg.
func wavFileOpener(_ context.Context, path string) (record.Source, error) {
	wav, err := audio.ReadWAV(path)
	if err != nil {
		return nil, err
	}
	return pcmSource(wav.Samples), nil
}

type scriptedEngine struct {
	mu      sync.Mutex
	results []whisper.Result
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Transcribe(context.Context, whisper.Request) (whisper.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		return whisper.Result{}, nil
	}
	next := e.results[0]
	e.results = e.results[1:]
	return next, nil
}

func helloWorld() whisper.Result {
	return whisper.Result{
		Language:     "en",
		LanguageProb: 1,
		Segments: []whisper.Segment{
			{Start: 0, End: 0.5, Text: " hello", NoSpeechProb: 0.1},
			{Start: 0.5, End: 1, Text: " world", NoSpeechProb: 0.1},
		},
	}
}

// startTranscriptionServer runs a server backed by a scripted engine and
// returns its websocket URL.
func startTranscriptionServer(t *testing.T, archive server.Archive, results ...whisper.Result) string {
	t.Helper()

	srv, err := server.New(server.Config{
		Engine:  &scriptedEngine{results: results},
		Archive: archive,
		Timing: server.Timing{
			MinChunk:      500 * time.Millisecond,
			MinFinalChunk: 10 * time.Millisecond,
			Poll:          5 * time.Millisecond,
			Idle:          5 * time.Millisecond,
			ErrorBackoff:  10 * time.Millisecond,
			WriteWait:     time.Second,
			OptionsWait:   time.Second,
			DrainTimeout:  2 * time.Second,
		},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func openTestArchive(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()

	archive, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })
	return archive
}
