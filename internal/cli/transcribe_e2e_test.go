//go:build e2e

package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/require"

	"github.com/fmueller/livewhisper/internal/server"
	"github.com/fmueller/livewhisper/internal/whisper"
)

const (
	e2eWhisperPathEnv = "LIVEWHISPER_E2E_WHISPER_PATH"
	e2eModelDirEnv    = "LIVEWHISPER_E2E_MODEL_DIR"
	// e2eAudioEnv points at a speech WAV; e2eExpectEnv lists accepted words.
	e2eAudioEnv  = "LIVEWHISPER_E2E_AUDIO"
	e2eExpectEnv = "LIVEWHISPER_E2E_EXPECT"
)

// startWhisperServer installs the tiny model and serves it through an
// in-process server backed by whisper.cpp.
func startWhisperServer(t *testing.T) string {
	t.Helper()

	whisperPath := strings.TrimSpace(os.Getenv(e2eWhisperPathEnv))
	if whisperPath == "" {
		t.Skip("set LIVEWHISPER_E2E_WHISPER_PATH to run e2e test")
	}

	modelDir := strings.TrimSpace(os.Getenv(e2eModelDirEnv))
	if modelDir == "" {
		modelDir = t.TempDir()
	}

	t.Setenv(whisper.EnginePathEnv, whisperPath)

	_, setupStderr, err := runRootCommand(context.Background(), []string{
		"setup",
		"--model", "tiny",
		"--model-dir", modelDir,
		"--no-progress",
	})
	require.NoErrorf(t, err, "setup command failed: %s", setupStderr)

	engine, err := whisper.NewCLIEngine(filepath.Join(modelDir, "ggml-tiny.bin"), nil)
	require.NoError(t, err)

	srv, err := server.New(server.Config{Engine: engine, MaxClients: 1})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestTranscribeBlankAudioEndToEnd(t *testing.T) {
	url := startWhisperServer(t)

	silentWAV := filepath.Join(t.TempDir(), "silent.wav")
	require.NoError(t, os.WriteFile(silentWAV, makePCM16WAVForTest(make([]int16, 16000), 16000, 1), 0o644))

	stdout, stderr, err := runRootCommand(context.Background(), []string{
		"transcribe",
		"--server", url,
		"--realtime=false",
		"--no-progress",
		silentWAV,
	})
	require.NoErrorf(t, err, "transcribe command failed: %s", stderr)
	require.Empty(t, strings.TrimSpace(stdout))
}

func TestTranscribeSpeechEndToEnd(t *testing.T) {
	audioPath := strings.TrimSpace(os.Getenv(e2eAudioEnv))
	if audioPath == "" {
		t.Skip("set LIVEWHISPER_E2E_AUDIO to a speech WAV to run this test")
	}
	url := startWhisperServer(t)

	tests := []struct {
		name     string
		language string
	}{
		{name: "explicit english", language: "en"},
		{name: "auto detect", language: "auto"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := runRootCommand(context.Background(), []string{
				"transcribe",
				"--server", url,
				"--language", tt.language,
				"--no-progress",
				audioPath,
			})
			require.NoErrorf(t, err, "transcribe command failed: %s", stderr)

			transcript := strings.TrimSpace(stdout)
			require.NotEmptyf(t, transcript, "empty transcript with --language %s", tt.language)

			expected := strings.Fields(strings.ToLower(os.Getenv(e2eExpectEnv)))
			if len(expected) > 0 {
				require.Truef(t, containsAnyToken(normalizeTranscript(transcript), expected),
					"transcript %q has none of %v", transcript, expected)
			}
		})
	}
}

func runRootCommand(ctx context.Context, args []string) (stdout string, stderr string, err error) {
	cmd := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetContext(ctx)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

func normalizeTranscript(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	for _, r := range strings.ToLower(input) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

func containsAnyToken(normalized string, expected []string) bool {
	if normalized == "" {
		return false
	}

	set := make(map[string]struct{})
	for _, field := range strings.Fields(normalized) {
		set[field] = struct{}{}
	}

	for _, token := range expected {
		if _, ok := set[token]; ok {
			return true
		}
	}

	return false
}
