package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"kernelbridge/internal/errdefs"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestRunReportsSteps(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	writeScript(t, dir, "setup-node", `
echo "::step 0.2 installing runtime"
echo plain output line
echo "::step 0.9 starting services"
`)
	r := NewRunner(Config{Dirs: []string{dir}})

	var ratios []float64
	var msgs []string
	err := r.Run(context.Background(), "setup-node", nil, nil, func(ratio float64, msg string) {
		ratios = append(ratios, ratio)
		msgs = append(msgs, msg)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(ratios) != 2 || ratios[0] != 0.2 || ratios[1] != 0.9 {
		t.Errorf("ratios = %v", ratios)
	}
	if msgs[0] != "installing runtime" || msgs[1] != "starting services" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestRunFailureIsProvisionError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	dir := t.TempDir()
	writeScript(t, dir, "broken", `
echo "::step 0.5 halfway"
echo "disk full" >&2
exit 3
`)
	r := NewRunner(Config{Dirs: []string{dir}})
	err := r.Run(context.Background(), "broken", nil, nil, nil)
	if !errdefs.IsProvision(err) {
		t.Fatalf("error = %v, want provision error", err)
	}
	var perr *errdefs.ProvisionError
	if !errors.As(err, &perr) || perr.Workflow != "broken" {
		t.Fatalf("workflow not recorded: %v", err)
	}
}

func TestResolveSearchOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeScript(t, second, "deploy", "exit 0")
	r := NewRunner(Config{Dirs: []string{first, second}})
	path, err := r.Resolve("deploy")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if filepath.Dir(path) != second {
		t.Errorf("resolved from %s, want %s", filepath.Dir(path), second)
	}
}

func TestResolveUnknownWorkflow(t *testing.T) {
	r := NewRunner(Config{Dirs: []string{t.TempDir()}})
	if _, err := r.Resolve("ghost"); !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestResolveRejectsPathSeparators(t *testing.T) {
	r := NewRunner(Config{Dirs: []string{t.TempDir()}})
	if _, err := r.Resolve("../etc/passwd"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestParseStepUnknownRatio(t *testing.T) {
	ratio, msg, ok := parseStep("::step - waiting for host")
	if !ok || ratio != -1 || msg != "waiting for host" {
		t.Errorf("parseStep = %v %q %v", ratio, msg, ok)
	}
}
