package record

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestALSADurationModeReturnsContextCancellation(t *testing.T) {
	_, readyFile := setupRunningCommandStub(t, "arecord", false)

	backend := newALSARecorderBackend()
	require.True(t, backend.Available())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	src, err := backend.Open(ctx, Config{Duration: 3 * time.Second})
	require.NoError(t, err)
	defer src.Close()

	waitForPath(t, readyFile, time.Second)
	cancel()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFFMPEGLinuxDurationModeReturnsContextCancellation(t *testing.T) {
	_, readyFile := setupRunningCommandStub(t, "ffmpeg", false)

	backend := newFFMPEGLinuxBackend()
	require.True(t, backend.Available())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	src, err := backend.Open(ctx, Config{Duration: 3 * time.Second, Format: "pulse"})
	require.NoError(t, err)
	defer src.Close()

	waitForPath(t, readyFile, time.Second)
	cancel()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFFMPEGMacDurationModeReturnsContextCancellation(t *testing.T) {
	_, readyFile := setupRunningCommandStub(t, "ffmpeg", false)

	backend := newFFMPEGMacOSBackend()
	require.True(t, backend.Available())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	src, err := backend.Open(ctx, Config{Duration: 3 * time.Second})
	require.NoError(t, err)
	defer src.Close()

	waitForPath(t, readyFile, time.Second)
	cancel()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCommandSourceStopsAfterDuration(t *testing.T) {
	tempDir, readyFile := setupRunningCommandStub(t, "capture", false)

	start := time.Now()
	src, err := startCommand(context.Background(), filepath.Join(tempDir, "capture"), nil, 150*time.Millisecond, nil)
	require.NoError(t, err)
	defer src.Close()

	waitForPath(t, readyFile, time.Second)
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCommandSourceKillsWhenInterruptIgnored(t *testing.T) {
	tempDir, readyFile := setupRunningCommandStub(t, "ignore-int", true)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	src, err := startCommand(ctx, filepath.Join(tempDir, "ignore-int"), nil, 0, nil)
	require.NoError(t, err)
	defer src.Close()

	waitForPath(t, readyFile, time.Second)
	start := time.Now()
	cancel()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), stopGrace+time.Second)
}

func TestCommandSourceCloseStopsCapture(t *testing.T) {
	tempDir, readyFile := setupRunningCommandStub(t, "capture", false)

	src, err := startCommand(context.Background(), filepath.Join(tempDir, "capture"), nil, 0, nil)
	require.NoError(t, err)

	waitForPath(t, readyFile, time.Second)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestCommandSourceReportsFailure(t *testing.T) {
	tempDir := t.TempDir()
	stubPath := filepath.Join(tempDir, "broken")
	stub := "#!/bin/sh\n>&2 echo 'device busy'\nexit 3\n"
	require.NoError(t, os.WriteFile(stubPath, []byte(stub), 0o755))

	src, err := startCommand(context.Background(), stubPath, nil, 0, nil)
	require.NoError(t, err)
	defer src.Close()

	_, err = io.ReadAll(src)
	require.Error(t, err)
	require.Contains(t, err.Error(), "device busy")
}

func TestStartCommandMissingExecutable(t *testing.T) {
	_, err := startCommand(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, 0, nil)
	require.Error(t, err)
}

// setupRunningCommandStub installs a stub that writes silence to stdout
// until it is interrupted.
func setupRunningCommandStub(t *testing.T, name string, ignoreInterrupt bool) (string, string) {
	t.Helper()

	tempDir := t.TempDir()
	readyFile := filepath.Join(tempDir, "ready.txt")

	trap := "trap 'exit 0' INT"
	if ignoreInterrupt {
		trap = "trap '' INT"
	}

	stubPath := filepath.Join(tempDir, name)
	stub := "#!/bin/sh\nset -eu\n" + trap + "\nprintf '\\000\\000\\000\\000'\ntouch \"$READY_FILE\"\nwhile :; do sleep 0.02; done\n"
	require.NoError(t, os.WriteFile(stubPath, []byte(stub), 0o755))

	t.Setenv("PATH", tempDir+":"+os.Getenv("PATH"))
	t.Setenv("READY_FILE", readyFile)

	return tempDir, readyFile
}

func waitForPath(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, timeout, 10*time.Millisecond)
}
