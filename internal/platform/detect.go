// Package platform resolves per-user data locations for models, recordings
// and the session archive.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appName = "livewhisper"

// DataDirEnv overrides the data directory on every OS.
const DataDirEnv = "LIVEWHISPER_DATA_DIR"

const archiveFileName = "sessions.db"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// Dirs are the locations below one data directory.
type Dirs struct {
	Data       string
	Models     string
	Recordings string
	Archive    string
}

func DirsFor(goos, homeDir, xdgDataHome string) (Dirs, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return Dirs{}, err
	}
	return dirsBelow(dataDir), nil
}

func dirsBelow(dataDir string) Dirs {
	return Dirs{
		Data:       dataDir,
		Models:     filepath.Join(dataDir, "models"),
		Recordings: filepath.Join(dataDir, "recordings"),
		Archive:    filepath.Join(dataDir, archiveFileName),
	}
}

// CurrentDirs resolves Dirs for the running user, honouring DataDirEnv and
// XDG_DATA_HOME.
func CurrentDirs() (Dirs, error) {
	if override := strings.TrimSpace(os.Getenv(DataDirEnv)); override != "" {
		return dirsBelow(filepath.Clean(override)), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("resolve user home: %w", err)
	}
	return DirsFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dirs, err := DirsFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return dirs.Models, nil
}

func DefaultArchivePathFor(goos, homeDir, xdgDataHome string) (string, error) {
	dirs, err := DirsFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return dirs.Archive, nil
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	dirs, err := CurrentDirs()
	if err != nil {
		return "", err
	}
	return dirs.Models, nil
}

func ResolveRecordingDir() (string, error) {
	dirs, err := CurrentDirs()
	if err != nil {
		return "", err
	}
	return dirs.Recordings, nil
}

// ResolveArchivePath returns override when set, else the default archive
// database below the data directory.
func ResolveArchivePath(override string) (string, error) {
	if override != "" {
		if override == ":memory:" {
			return override, nil
		}
		return filepath.Clean(override), nil
	}

	dirs, err := CurrentDirs()
	if err != nil {
		return "", err
	}
	return dirs.Archive, nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
