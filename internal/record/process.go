package record

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopGrace is how long a capture process may take to exit after an
// interrupt before it is killed.
var stopGrace = 2 * time.Second

// commandSource streams the stdout of a capture process.
type commandSource struct {
	ctx    context.Context
	name   string
	cmd    *exec.Cmd
	stdout *os.File
	stderr bytes.Buffer
	logger *zap.Logger

	done    chan struct{}
	waitErr error

	stopOnce  sync.Once
	closeOnce sync.Once
	stopped   atomic.Bool
	canceled  atomic.Bool
}

// startCommand runs name with args and returns its stdout as a Source. The
// process is interrupted after duration (if positive), when ctx is canceled,
// or on Close.
func startCommand(ctx context.Context, name string, args []string, duration time.Duration, logger *zap.Logger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create capture pipe: %w", err)
	}

	s := &commandSource{
		ctx:    ctx,
		name:   name,
		cmd:    exec.Command(name, args...),
		stdout: pr,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.cmd.Stdout = pw
	s.cmd.Stderr = &s.stderr

	logger.Debug("starting capture process", zap.String("command", name), zap.Strings("args", args))
	if err := s.cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}
	_ = pw.Close()

	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.done)
	}()
	go s.watch(duration)

	return s, nil
}

func (s *commandSource) watch(duration time.Duration) {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-s.done:
	case <-timeout:
		s.logger.Debug("capture duration reached", zap.Duration("duration", duration))
		s.stop()
	case <-s.ctx.Done():
		s.canceled.Store(true)
		s.stop()
	}
}

// stop interrupts the process and kills it if it is still running after
// stopGrace.
func (s *commandSource) stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			_ = s.cmd.Process.Kill()
			return
		}
		go func() {
			timer := time.NewTimer(stopGrace)
			defer timer.Stop()
			select {
			case <-s.done:
			case <-timer.C:
				s.logger.Debug("capture process ignored interrupt, killing", zap.String("command", s.name))
				_ = s.cmd.Process.Kill()
			}
		}()
	})
}

func (s *commandSource) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		<-s.done
		if exitErr := s.exitError(); exitErr != nil {
			return n, exitErr
		}
	}
	return n, err
}

func (s *commandSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		<-s.done
		err = s.stdout.Close()
	})
	return err
}

func (s *commandSource) exitError() error {
	if s.canceled.Load() {
		return s.ctx.Err()
	}

	err := s.waitErr
	if err == nil {
		return nil
	}
	if s.stopped.Load() {
		s.logger.Debug("capture process exited after stop signal", zap.Error(err))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			s.logger.Debug("capture process stopped by signal", zap.String("signal", status.Signal().String()))
			return nil
		}
	}

	if text := strings.TrimSpace(s.stderr.String()); text != "" {
		return fmt.Errorf("%s failed: %w (%s)", s.name, err, text)
	}
	return fmt.Errorf("%s failed: %w", s.name, err)
}
