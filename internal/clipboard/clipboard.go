// Package clipboard copies the final transcript to the desktop clipboard
// through whichever copy tool is installed.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("no clipboard command available")

const copyTimeout = 4 * time.Second

// Copier pipes text into one clipboard tool.
type Copier struct {
	Name string
	Args []string
	// Detached tools keep running to serve the selection, so they are
	// started and released instead of waited for.
	Detached bool
}

type lookPathFunc func(string) (string, error)

// Detect picks the clipboard tool for the running desktop.
func Detect() (Copier, error) {
	return detect(runtime.GOOS, exec.LookPath)
}

func detect(goos string, lookPath lookPathFunc) (Copier, error) {
	var candidates []Copier
	switch goos {
	case "darwin":
		candidates = []Copier{{Name: "pbcopy"}}
	default:
		candidates = []Copier{
			{Name: "wl-copy"},
			{Name: "xclip", Args: []string{"-selection", "clipboard", "-in", "-silent"}, Detached: true},
		}
	}

	for _, c := range candidates {
		if _, err := lookPath(c.Name); err == nil {
			return c, nil
		}
	}
	return Copier{}, ErrUnavailable
}

// CopyText copies value with the detected tool.
func CopyText(ctx context.Context, value string) error {
	c, err := Detect()
	if err != nil {
		return err
	}
	return c.Copy(ctx, value)
}

func (c Copier) Copy(ctx context.Context, value string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.Detached {
		return c.copyDetached(value)
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	defer cancel()

	cmd := exec.CommandContext(copyCtx, c.Name, c.Args...)
	cmd.Stdin = strings.NewReader(value)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		if errors.Is(copyCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("copy to clipboard with %s timed out: %w", c.Name, copyCtx.Err())
		}
		return fmt.Errorf("copy to clipboard with %s: %w", c.Name, err)
	}
	return nil
}

func (c Copier) copyDetached(value string) error {
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open clipboard stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", c.Name, err)
	}

	if _, err := io.WriteString(stdin, value); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("write clipboard data: %w", err)
	}

	if err := stdin.Close(); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("close clipboard stdin: %w", err)
	}

	_ = cmd.Process.Release()
	return nil
}
