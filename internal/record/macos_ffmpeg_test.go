package record

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFFMPEGMacListDevicesReturnsOutputOnNonZeroExit(t *testing.T) {
	tempDir := t.TempDir()

	stubPath := filepath.Join(tempDir, "ffmpeg")
	stub := `#!/bin/sh
>&2 echo "[AVFoundation indev] AVFoundation audio devices:"
>&2 echo "[AVFoundation indev] [0] Built-in Microphone"
exit 1
`
	require.NoError(t, os.WriteFile(stubPath, []byte(stub), 0o755))

	t.Setenv("PATH", tempDir+":"+os.Getenv("PATH"))

	backend := &ffmpegMacBackend{}
	require.True(t, backend.Available())

	out, err := backend.ListDevices(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "Built-in Microphone")
}

func TestFFMPEGMacOpenStreamsPCMFromAVFoundation(t *testing.T) {
	tempDir := t.TempDir()
	argsFile := filepath.Join(tempDir, "args")

	stub := "#!/bin/sh\necho \"$@\" > " + argsFile + "\nprintf 'pcm!'\n"
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "ffmpeg"), []byte(stub), 0o755))
	t.Setenv("PATH", tempDir+":"+os.Getenv("PATH"))

	src, err := (&ffmpegMacBackend{}).Open(context.Background(), Config{Input: "2"})
	require.NoError(t, err)
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.Equal(t, "pcm!", string(data))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	require.Contains(t, string(args), "-f avfoundation -i :2")
	require.True(t, strings.HasSuffix(strings.TrimSpace(string(args)), "-f s16le -"))
}

func TestAVFoundationInput(t *testing.T) {
	t.Parallel()

	require.Equal(t, ":0", avfoundationInput(""))
	require.Equal(t, ":1", avfoundationInput(" 1 "))
	require.Equal(t, "none:MacBook Pro Microphone", avfoundationInput("none:MacBook Pro Microphone"))
}
