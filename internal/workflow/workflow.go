// Package workflow runs named provisioning programs and streams their
// progress. A workflow is an executable resolved from the workflow
// directories; lines it prints in the form
//
//	::step <ratio> <message>
//
// are turned into progress callbacks, everything else is passed to the
// log. A non-zero exit is a provisioning failure.
package workflow

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"kernelbridge/internal/errdefs"
)

const stepPrefix = "::step "

// ProgressFunc receives workflow progress. ratio is in [0,1], or -1 when
// the step did not declare one.
type ProgressFunc func(ratio float64, message string)

type Config struct {
	// Dirs are searched in order for workflow executables.
	Dirs   []string
	Logger *slog.Logger
}

type Runner struct {
	dirs   []string
	logger *slog.Logger
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{dirs: cfg.Dirs, logger: logger}
}

// Resolve finds the executable for a named workflow.
func (r *Runner) Resolve(name string) (string, error) {
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("workflow name %q must not contain path separators", name)
	}
	for _, dir := range r.dirs {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() && info.Mode()&0o111 != 0 {
			return path, nil
		}
	}
	return "", &errdefs.NotFoundError{Name: "workflow " + name}
}

// Run executes the named workflow with the given environment overlay and
// arguments. Progress lines are delivered to onProgress as they arrive.
func (r *Runner) Run(ctx context.Context, name string, env []string, args []string, onProgress ProgressFunc) error {
	path, err := r.Resolve(name)
	if err != nil {
		return &errdefs.ProvisionError{Workflow: name, Err: err}
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &errdefs.ProvisionError{Workflow: name, Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &errdefs.ProvisionError{Workflow: name, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if ratio, msg, ok := parseStep(line); ok {
			r.logger.Info("workflow step", "workflow", name, "ratio", ratio, "message", msg)
			if onProgress != nil {
				onProgress(ratio, msg)
			}
			continue
		}
		r.logger.Debug("workflow output", "workflow", name, "line", line)
	}

	if err := cmd.Wait(); err != nil {
		tail := strings.TrimSpace(stderr.String())
		if tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		return &errdefs.ProvisionError{Workflow: name, Err: err}
	}
	return nil
}

// parseStep extracts progress from a "::step <ratio> <message>" line. A
// ratio of "-" means unknown.
func parseStep(line string) (float64, string, bool) {
	if !strings.HasPrefix(line, stepPrefix) {
		return 0, "", false
	}
	rest := strings.TrimPrefix(line, stepPrefix)
	fields := strings.SplitN(rest, " ", 2)
	msg := ""
	if len(fields) == 2 {
		msg = strings.TrimSpace(fields[1])
	}
	if fields[0] == "-" {
		return -1, msg, true
	}
	ratio, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return -1, strings.TrimSpace(rest), true
	}
	return ratio, msg, true
}
