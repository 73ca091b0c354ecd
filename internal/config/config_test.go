package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Server.MaxClients)
	assert.Equal(t, 10*time.Minute, cfg.Server.MaxConnectionTime)
	assert.Equal(t, BackendWhisperCPP, cfg.Backend.Kind)
	assert.Equal(t, "base", cfg.Backend.Model)
	assert.Equal(t, "energy", cfg.VAD.Kind)
	assert.InDelta(t, 0.5, cfg.VAD.Threshold, 1e-9)
}

func TestParseOverridesDefaults(t *testing.T) {
	t.Setenv(OpenAIKeyEnv, "")
	t.Setenv(OpenAIBaseURLEnv, "")
	t.Setenv(ArchiveEnv, "")

	cfg, err := Parse([]byte(`
server:
  addr: 127.0.0.1:9999
  max_clients: 2
  max_connection_time: 90s
  single_model: true
backend:
  kind: openai
  model: whisper-large-v3
  openai:
    base_url: http://localhost:8000/v1
vad:
  threshold: 0.6
archive:
  path: /tmp/sessions.db
logging:
  level: debug
  json: true
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Server.MaxClients)
	assert.Equal(t, 90*time.Second, cfg.Server.MaxConnectionTime)
	assert.True(t, cfg.Server.SingleModel)
	assert.Equal(t, BackendOpenAI, cfg.Backend.Kind)
	assert.Equal(t, "whisper-large-v3", cfg.Backend.OpenAIModel())
	assert.Equal(t, "http://localhost:8000/v1", cfg.Backend.OpenAI.BaseURL)
	assert.Equal(t, "energy", cfg.VAD.Kind)
	assert.InDelta(t, 0.6, cfg.VAD.Threshold, 1e-6)
	assert.Equal(t, "/tmp/sessions.db", cfg.Archive.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestParseEmptyDocumentKeepsDefaults(t *testing.T) {
	t.Setenv(OpenAIKeyEnv, "")
	t.Setenv(OpenAIBaseURLEnv, "")
	t.Setenv(ArchiveEnv, "")

	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseAcceptsAnyKindSpelling(t *testing.T) {
	t.Setenv(OpenAIKeyEnv, "")
	t.Setenv(OpenAIBaseURLEnv, "")
	t.Setenv(ArchiveEnv, "")

	cfg, err := Parse([]byte(`
backend:
  kind: " OpenAI "
  openai:
    base_url: http://localhost:8000/v1
vad:
  kind: Silero
  model_path: /models/silero_vad.onnx
`))
	require.NoError(t, err)
	assert.Equal(t, BackendOpenAI, cfg.Backend.Kind)
	assert.Equal(t, "silero", cfg.VAD.Kind)

	cfg = Default()
	cfg.Backend.Kind = "WHISPER.CPP"
	require.NoError(t, cfg.Validate())
	cfg.Normalize()
	assert.Equal(t, BackendWhisperCPP, cfg.Backend.Kind)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("server:\n  port: 9090\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestParseReadsOpenAIKeyFromEnvironment(t *testing.T) {
	t.Setenv(OpenAIKeyEnv, "sk-test-key")

	cfg, err := Parse([]byte("backend:\n  kind: openai\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test-key", cfg.Backend.OpenAI.APIKey)
	assert.Equal(t, "whisper-1", cfg.Backend.OpenAIModel())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv(OpenAIKeyEnv, "")
	t.Setenv(OpenAIBaseURLEnv, "")

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "max clients", yaml: "server:\n  max_clients: 0\n", want: "max_clients"},
		{name: "connection time", yaml: "server:\n  max_connection_time: -1s\n", want: "max_connection_time"},
		{name: "backend kind", yaml: "backend:\n  kind: tensorrt\n", want: "backend.kind"},
		{name: "openai without endpoint", yaml: "backend:\n  kind: openai\n", want: OpenAIKeyEnv},
		{name: "threads", yaml: "backend:\n  threads: -2\n", want: "threads"},
		{name: "vad kind", yaml: "vad:\n  kind: webrtc\n", want: "vad.kind"},
		{name: "silero without model", yaml: "vad:\n  kind: silero\n", want: "model_path"},
		{name: "vad threshold", yaml: "vad:\n  threshold: 1.5\n", want: "threshold"},
		{name: "log level", yaml: "logging:\n  level: loud\n", want: "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	t.Setenv(ArchiveEnv, "")

	path := filepath.Join(t.TempDir(), "livewhisper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  max_clients: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Server.MaxClients)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnvSetsVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIVEWHISPER_TEST_VALUE=from-dotenv\n"), 0o644))
	t.Setenv("LIVEWHISPER_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("LIVEWHISPER_TEST_VALUE"))

	loaded, err := LoadEnv(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.Equal(t, "from-dotenv", os.Getenv("LIVEWHISPER_TEST_VALUE"))
}

func TestLoadEnvWithoutFiles(t *testing.T) {
	t.Parallel()

	loaded, err := LoadEnv(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
