package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
)

// exitUnknown is reported when a detached backend is gone but its real
// exit status was reaped by init.
const exitUnknown = -1

const cleanupGrace = 5 * time.Second

// Local launches backends as processes on this host. The launch command
// prints its bootstrap object and daemonizes, so the command itself is run
// to completion and the announced pid is tracked afterwards.
type Local struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	pid  int
	desc *Descriptor
}

func NewLocal(b binding.Binding, deps Deps) *Local {
	return &Local{
		name:   b.Name,
		logger: deps.logger().With("binding", b.Name, "provisioner", "local"),
	}
}

func (l *Local) PreLaunch(ctx context.Context, cmd []string) ([]string, error) {
	return cmd, nil
}

func (l *Local) LaunchKernel(ctx context.Context, cmd []string) (*Descriptor, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty launch command")
	}
	l.logger.Debug("launching backend", "command", cmd)

	// Output goes through a temp file so a crashing backend's diagnostics
	// survive even when they exceed pipe buffers.
	out, err := os.CreateTemp("", "kernelbridge-launch-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(out.Name())
	defer out.Close()

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Stdout = out
	c.Stderr = out
	runErr := c.Run()

	captured, readErr := os.ReadFile(out.Name())
	if readErr != nil {
		captured = nil
	}
	if runErr != nil {
		return nil, &errdefs.LaunchError{Output: string(captured), Err: runErr}
	}
	desc, err := parseBootstrap(captured)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.pid = desc.PID
	l.desc = desc
	l.mu.Unlock()
	l.logger.Info("backend launched", "pid", desc.PID, "shell_port", desc.Info.ShellPort)
	return desc, nil
}

func (l *Local) SendSignal(ctx context.Context, sig syscall.Signal) error {
	l.mu.Lock()
	pid := l.pid
	l.mu.Unlock()
	if pid == 0 {
		return fmt.Errorf("no backend process")
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %v pid %d: %w", sig, pid, err)
	}
	return nil
}

func (l *Local) Poll(ctx context.Context) (*int, error) {
	l.mu.Lock()
	pid := l.pid
	l.mu.Unlock()
	if pid == 0 {
		code := exitUnknown
		return &code, nil
	}
	// Signal 0 probes existence without delivering anything.
	err := syscall.Kill(pid, 0)
	if err == nil {
		return nil, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		code := exitUnknown
		return &code, nil
	}
	if errors.Is(err, syscall.EPERM) {
		// The process exists but belongs to someone else now.
		return nil, nil
	}
	return nil, err
}

func (l *Local) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	pid := l.pid
	l.mu.Unlock()
	if pid != 0 {
		_ = syscall.Kill(pid, syscall.SIGTERM)
		deadline := time.Now().Add(cleanupGrace)
		for time.Now().Before(deadline) {
			if code, _ := l.Poll(ctx); code != nil {
				break
			}
			select {
			case <-ctx.Done():
				l.Reset()
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		if code, _ := l.Poll(ctx); code == nil {
			l.logger.Warn("backend ignored TERM, killing", "pid", pid)
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	l.Reset()
	return nil
}

func (l *Local) HasProcess() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid != 0 && l.desc != nil
}

func (l *Local) Reset() {
	l.mu.Lock()
	l.pid = 0
	l.desc = nil
	l.mu.Unlock()
}
