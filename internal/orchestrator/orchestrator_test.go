package orchestrator

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"kernelbridge/internal/agent"
	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/provision"
	"kernelbridge/internal/relay"
	"kernelbridge/internal/wire"
)

type captureComms struct {
	mu      sync.Mutex
	outputs []*wire.Message
}

func (c *captureComms) PublishOutput(m *wire.Message) {
	c.mu.Lock()
	c.outputs = append(c.outputs, m)
	c.mu.Unlock()
}

func (c *captureComms) PublishReply(*wire.Message) {}

// testHarness runs a real agent in-process and launches "backends" whose
// bootstrap output points at it. The announced pid belongs to a scratch
// process so signal and cleanup paths hit something real.
type testHarness struct {
	orch      *Orchestrator
	registry  *binding.Registry
	comms     *captureComms
	agentInfo wire.ConnectionInfo
	scratch   *exec.Cmd
}

func startScratch(t *testing.T) *exec.Cmd {
	t.Helper()
	scratch := exec.Command("sleep", "300")
	if err := scratch.Start(); err != nil {
		t.Fatalf("start scratch process: %v", err)
	}
	t.Cleanup(func() {
		_ = scratch.Process.Kill()
		_, _ = scratch.Process.Wait()
	})
	return scratch
}

// pointLaunchAt makes future launches announce the given pid as the backend
// process, still wired to the in-process agent.
func (h *testHarness) pointLaunchAt(t *testing.T, pid int) {
	t.Helper()
	desc := provision.Descriptor{PID: pid, Info: h.agentInfo}
	line, err := json.Marshal(desc)
	if err != nil {
		t.Fatal(err)
	}
	h.orch.launchCmd = func(kernel, sessionID string) []string {
		return []string{"sh", "-c", "echo '" + string(line) + "'"}
	}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	srv, err := agent.Start(agent.Config{Kernel: binding.KernelShell, Key: "orch-test"})
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	registry := binding.NewRegistry(nil)
	comms := &captureComms{}
	orch := New(Config{
		Registry: registry,
		Relay:    relay.New(relay.Config{Comms: comms}),
		DataDir:  t.TempDir(),
	})
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	h := &testHarness{
		orch:      orch,
		registry:  registry,
		comms:     comms,
		agentInfo: srv.Info(),
		scratch:   startScratch(t),
	}
	h.pointLaunchAt(t, h.scratch.Process.Pid)
	return h
}

func (h *testHarness) setLocal(t *testing.T, name string) {
	t.Helper()
	_, err := h.registry.Set(name, binding.SetOptions{
		Kernel:     binding.KernelShell,
		Connection: &binding.Connection{Type: binding.ConnectionLocal},
	})
	if err != nil {
		t.Fatalf("set binding: %v", err)
	}
}

func TestExecuteEchoHi(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")

	res, err := h.orch.Execute(context.Background(), "b1", "echo hi")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
	b, err := h.registry.Get("b1")
	if err != nil {
		t.Fatal(err)
	}
	if b.State != binding.StateConnected {
		t.Errorf("state = %s, want connected", b.State)
	}

	h.comms.mu.Lock()
	defer h.comms.mu.Unlock()
	var streamed string
	for _, m := range h.comms.outputs {
		if m.Header.MsgType != wire.MsgStream {
			continue
		}
		var sc struct {
			Text string `json:"text"`
		}
		if err := m.DecodeContent(&sc); err == nil {
			streamed += sc.Text
		}
	}
	if !strings.Contains(streamed, "hi\n") {
		t.Errorf("output %q does not contain hi\\n", streamed)
	}
}

func TestExecuteUnknownBindingLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")
	before := len(h.registry.List())

	_, err := h.orch.Execute(context.Background(), "ghost", "echo hi")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
	if got := len(h.registry.List()); got != before {
		t.Errorf("registry size changed: %d -> %d", before, got)
	}
	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if len(h.orch.sessions) != 0 {
		t.Error("session created for unknown binding")
	}
}

func TestLaunchFailureFoldsToDisconnected(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")
	h.orch.launchCmd = func(kernel, sessionID string) []string {
		return []string{"sh", "-c", "echo boom; exit 1"}
	}

	_, err := h.orch.Execute(context.Background(), "b1", "echo hi")
	if !errdefs.IsLaunch(err) {
		t.Fatalf("error = %v, want launch error", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("backend output not carried: %v", err)
	}
	b, _ := h.registry.Get("b1")
	if b.State != binding.StateDisconnected {
		t.Errorf("state = %s, want disconnected", b.State)
	}
	if !strings.Contains(b.Progress.Message, "boom") {
		t.Errorf("progress = %q, want the failure text", b.Progress.Message)
	}
	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if len(h.orch.sessions) != 0 {
		t.Error("partial session kept after launch failure")
	}
}

func TestEnsureSessionSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")

	// Progress updates also fire while a binding sits in Creating, so count
	// entries into the state rather than updates observed in it.
	var creations int
	var countMu sync.Mutex
	last := binding.StateDisconnected
	h.registry.OnUpdate(func(b binding.Binding) {
		countMu.Lock()
		if b.State == binding.StateCreating && last != binding.StateCreating {
			creations++
		}
		last = b.State
		countMu.Unlock()
	})

	const callers = 8
	results := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := h.orch.EnsureSession(context.Background(), "b1")
			if err != nil {
				results <- "err:" + err.Error()
				return
			}
			results <- sess.ID
		}()
	}
	wg.Wait()
	close(results)

	ids := make(map[string]bool)
	for r := range results {
		if strings.HasPrefix(r, "err:") {
			t.Fatalf("ensure failed: %s", r)
		}
		ids[r] = true
	}
	if len(ids) != 1 {
		t.Errorf("callers got %d distinct sessions, want 1", len(ids))
	}
	countMu.Lock()
	defer countMu.Unlock()
	if creations != 1 {
		t.Errorf("creations = %d, want 1", creations)
	}
}

func TestExitedBackendIsRestartedInPlace(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")

	first, err := h.orch.EnsureSession(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	var sawRestarted bool
	var mu sync.Mutex
	h.registry.OnUpdate(func(b binding.Binding) {
		if b.State == binding.StateRestarted {
			mu.Lock()
			sawRestarted = true
			mu.Unlock()
		}
	})

	// Kill the backend out-of-band, reaping it so the pid probe sees it
	// gone, and point the next launch at a fresh process.
	_ = h.scratch.Process.Kill()
	_, _ = h.scratch.Process.Wait()
	replacement := startScratch(t)
	h.pointLaunchAt(t, replacement.Process.Pid)

	res, err := h.orch.Execute(context.Background(), "b1", "echo back")
	if err != nil {
		t.Fatalf("execute after backend death: %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("status = %q, want ok", res.Status)
	}
	mu.Lock()
	if !sawRestarted {
		t.Error("binding never passed through restarted")
	}
	mu.Unlock()

	second, err := h.orch.EnsureSession(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ensure after restart: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("session identity changed across restart: %s -> %s", first.ID, second.ID)
	}
	b, _ := h.registry.Get("b1")
	if b.State != binding.StateConnected {
		t.Errorf("state = %s, want connected", b.State)
	}
	if _, err := wire.ReadConnectionFile(first.ConnFile); err != nil {
		t.Errorf("connection file not rewritten after restart: %v", err)
	}
}

func TestDeleteTearsDownSession(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")
	if _, err := h.orch.EnsureSession(context.Background(), "b1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := h.orch.Delete(context.Background(), "b1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.registry.Get("b1"); !errdefs.IsNotFound(err) {
		t.Errorf("binding still present after delete: %v", err)
	}
	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if len(h.orch.sessions) != 0 {
		t.Error("session survived delete")
	}
}

func TestUploadNeedsFileTransferCapability(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")
	err := h.orch.Upload(context.Background(), "b1", t.TempDir(), "/tmp/dst", nil)
	if !errdefs.IsCapability(err) {
		t.Fatalf("error = %v, want capability error", err)
	}
}

func TestInterruptUnknownBinding(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Interrupt(context.Background(), "ghost"); !errdefs.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestConnectionChangeDiscardsSession(t *testing.T) {
	h := newHarness(t)
	h.setLocal(t, "b1")
	first, err := h.orch.EnsureSession(context.Background(), "b1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Pointing the binding somewhere else must invalidate the session.
	if _, err := h.registry.Set("b1", binding.SetOptions{
		Connection: &binding.Connection{Type: binding.ConnectionContainer, ContainerID: "c1"},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err = h.orch.EnsureSession(context.Background(), "b1")
	if err == nil {
		t.Fatal("ensure against unreachable container runtime succeeded")
	}
	h.orch.mu.Lock()
	stale := h.orch.sessions["b1"] == first
	h.orch.mu.Unlock()
	if stale {
		t.Error("stale session kept after connection change")
	}
}
