package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveEnginePathFindsLibexecSibling(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	engineDir := filepath.Join(root, "libexec", "whisper")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	require.NoError(t, os.MkdirAll(engineDir, 0o755))

	self := filepath.Join(binDir, "livewhisper")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	enginePath := filepath.Join(engineDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveEnginePathMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	self := filepath.Join(t.TempDir(), "bin", "livewhisper")
	require.NoError(t, os.MkdirAll(filepath.Dir(self), 0o755))
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	_, err := ResolveEnginePath(self)
	require.Error(t, err)
	require.Contains(t, err.Error(), "whisper engine not found")
	require.Contains(t, err.Error(), EnginePathEnv)
}

func TestResolveEnginePathFallsBackToPATH(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs are unix-only")
	}

	pathDir := t.TempDir()
	enginePath := filepath.Join(pathDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", pathDir)

	self := filepath.Join(t.TempDir(), "livewhisper")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	resolved, err := ResolveEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestResolveEnginePathFindsPackagingPathForLocalDev(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	self := filepath.Join(root, "livewhisper")
	require.NoError(t, os.WriteFile(self, []byte(""), 0o755))

	targetDir := filepath.Join(root, "packaging", "whisper", fmt.Sprintf("%s_%s", runtime.GOOS, normalizeArch(runtime.GOARCH)))
	require.NoError(t, os.MkdirAll(targetDir, 0o755))
	enginePath := filepath.Join(targetDir, engineBinaryName())
	require.NoError(t, os.WriteFile(enginePath, []byte(""), 0o755))

	resolved, err := ResolveEnginePath(self)
	require.NoError(t, err)
	require.Equal(t, enginePath, resolved)
}

func TestCLIEngineTranscribeParsesJSONOutput(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs are unix-only")
	}

	dir := t.TempDir()
	argsLog := filepath.Join(dir, "args.log")
	script := fmt.Sprintf(`#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  echo "$1" >> %q
  if [ "$1" = "-of" ]; then
    out="$2"
  fi
  shift
done
cat > "$out.json" <<'JSON'
{
  "result": {"language": "de"},
  "transcription": [
    {"offsets": {"from": 0, "to": 1500}, "text": " Hallo"},
    {"offsets": {"from": 1500, "to": 2000}, "text": " [BLANK_AUDIO]"},
    {"offsets": {"from": 2000, "to": 3250}, "text": " Welt"}
  ]
}
JSON
`, argsLog)
	exe := filepath.Join(dir, "whisper-cli")
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))

	engine := &CLIEngine{Executable: exe, ModelPath: "/models/ggml-base.bin", Threads: 2}
	result, err := engine.Transcribe(context.Background(), Request{
		Samples:       make([]float32, 16000),
		Task:          TaskTranslate,
		InitialPrompt: "names: Anna",
	})
	require.NoError(t, err)

	require.Equal(t, "de", result.Language)
	require.InDelta(t, 1.0, result.LanguageProb, 1e-9)
	require.Len(t, result.Segments, 2)
	require.Equal(t, "Hallo", result.Segments[0].Text)
	require.InDelta(t, 1.5, result.Segments[0].End, 1e-9)
	require.Equal(t, "Welt", result.Segments[1].Text)
	require.InDelta(t, 2.0, result.Segments[1].Start, 1e-9)
	require.InDelta(t, 3.25, result.Segments[1].End, 1e-9)
	require.Equal(t, "Hallo Welt", result.Text())

	raw, err := os.ReadFile(argsLog)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Contains(t, args, "-oj")
	require.Contains(t, args, "-tr")
	require.Contains(t, args, "auto")
	require.Contains(t, args, "names: Anna")
	require.Contains(t, args, "/models/ggml-base.bin")
}

func TestCLIEngineReportsMissingSharedLibraries(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs are unix-only")
	}

	exe := filepath.Join(t.TempDir(), "whisper-cli")
	script := "#!/bin/sh\necho 'error while loading shared libraries: libwhisper.so.1' >&2\nexit 127\n"
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))

	engine := &CLIEngine{Executable: exe, ModelPath: "model.bin"}
	_, err := engine.Transcribe(context.Background(), Request{Samples: make([]float32, 160)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required shared libraries")
}

func TestCLIEngineRequiresSamples(t *testing.T) {
	t.Parallel()

	engine := &CLIEngine{Executable: "/nonexistent", ModelPath: "model.bin"}
	_, err := engine.Transcribe(context.Background(), Request{})
	require.Error(t, err)
}

func TestParseCLIOutputRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseCLIOutput([]byte("not json"))
	require.ErrorContains(t, err, "parse whisper output")
}

func TestParseCLIOutputDropsBlankMarkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []Segment
	}{
		{
			name: "speech then silence",
			input: `{"result":{"language":"en"},"transcription":[
				{"offsets":{"from":0,"to":1500},"text":" Hello there."},
				{"offsets":{"from":1500,"to":9000},"text":" [BLANK_AUDIO]"}]}`,
			want: []Segment{{Start: 0, End: 1.5, Text: "Hello there."}},
		},
		{
			name: "only silence",
			input: `{"result":{"language":"en"},"transcription":[
				{"offsets":{"from":0,"to":3000},"text":" [BLANK_AUDIO]"},
				{"offsets":{"from":3000,"to":4000},"text":" (silence)"}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseCLIOutput([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, result.Segments)
		})
	}
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.True(t, isIllegalInstructionError("signal: illegal instruction"))
	require.False(t, isIllegalInstructionError("some other runtime error"))
	require.False(t, isIllegalInstructionError(""))
}

func TestCLIEngineModelPathHonoursInstalledRequest(t *testing.T) {
	t.Parallel()

	modelDir := t.TempDir()
	small := filepath.Join(modelDir, "ggml-small.bin")
	require.NoError(t, os.WriteFile(small, []byte("ok"), 0o644))

	engine := &CLIEngine{ModelPath: "/models/ggml-base.bin", ModelDir: modelDir}
	require.Equal(t, small, engine.modelPath("Small"))
	require.Equal(t, "/models/ggml-base.bin", engine.modelPath(""))
	require.Equal(t, "/models/ggml-base.bin", engine.modelPath("medium"))
	require.Equal(t, "/models/ggml-base.bin", engine.modelPath("distil-whisper"))
	require.Equal(t, "/models/ggml-base.bin", engine.modelPath("/etc/passwd"))

	engine.ModelDir = ""
	require.Equal(t, "/models/ggml-base.bin", engine.modelPath("small"))
}
