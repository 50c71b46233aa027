package agent

import (
	"strings"
	"testing"
	"time"

	"kernelbridge/internal/binding"
	"kernelbridge/internal/wire"
)

func startServer(t *testing.T, kernel string) (*Server, *wire.Client) {
	t.Helper()
	srv, err := Start(Config{Kernel: kernel, Key: "test-key"})
	if err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	client, err := wire.Connect(srv.Info(), nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return srv, client
}

func collect(t *testing.T, sub *wire.Subscription, want func(*wire.Message) bool) *wire.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed")
			}
			if want(m) {
				return m
			}
		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestExecuteShellCommand(t *testing.T) {
	_, client := startServer(t, binding.KernelShell)

	iopub := client.IOPub.Subscribe()
	defer iopub.Cancel()
	shell := client.Shell.Subscribe()
	defer shell.Cancel()

	req, err := wire.NewMessage(wire.MsgExecuteRequest, "s1", map[string]string{"code": "echo hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Shell.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	busy := collect(t, iopub, func(m *wire.Message) bool { return m.Header.MsgType == wire.MsgStatus })
	var st struct {
		ExecutionState string `json:"execution_state"`
	}
	if err := busy.DecodeContent(&st); err != nil || st.ExecutionState != wire.StateBusy {
		t.Errorf("first status = %+v, want busy", st)
	}

	stream := collect(t, iopub, func(m *wire.Message) bool { return m.Header.MsgType == wire.MsgStream })
	var sc struct {
		Name string `json:"name"`
		Text string `json:"text"`
	}
	if err := stream.DecodeContent(&sc); err != nil {
		t.Fatalf("stream content: %v", err)
	}
	if sc.Name != "stdout" || sc.Text != "hi\n" {
		t.Errorf("stream = %+v, want stdout hi\\n", sc)
	}
	if stream.ParentID() != req.Header.MsgID {
		t.Error("stream not correlated to request")
	}

	reply := collect(t, shell, func(m *wire.Message) bool {
		return m.Header.MsgType == wire.MsgExecuteReply && m.ParentID() == req.Header.MsgID
	})
	var rc struct {
		Status string `json:"status"`
	}
	if err := reply.DecodeContent(&rc); err != nil || rc.Status != "ok" {
		t.Errorf("reply = %+v, want ok", rc)
	}

	idle := collect(t, iopub, func(m *wire.Message) bool {
		if m.Header.MsgType != wire.MsgStatus {
			return false
		}
		var s struct {
			ExecutionState string `json:"execution_state"`
		}
		return m.DecodeContent(&s) == nil && s.ExecutionState == wire.StateIdle
	})
	if idle.ParentID() != req.Header.MsgID {
		t.Error("idle not correlated to request")
	}
}

func TestExecuteFailureReportsError(t *testing.T) {
	_, client := startServer(t, binding.KernelShell)
	shell := client.Shell.Subscribe()
	defer shell.Cancel()

	req, err := wire.NewMessage(wire.MsgExecuteRequest, "s1", map[string]string{"code": "exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Shell.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	reply := collect(t, shell, func(m *wire.Message) bool {
		return m.Header.MsgType == wire.MsgExecuteReply
	})
	var rc struct {
		Status string `json:"status"`
		Ename  string `json:"ename"`
	}
	if err := reply.DecodeContent(&rc); err != nil {
		t.Fatal(err)
	}
	if rc.Status != "error" || rc.Ename == "" {
		t.Errorf("reply = %+v, want error with ename", rc)
	}
}

func TestHeartbeatEcho(t *testing.T) {
	_, client := startServer(t, binding.KernelShell)
	for i := 0; i < 3; i++ {
		if err := client.HB.Beat(); err != nil {
			t.Fatalf("beat %d: %v", i, err)
		}
	}
}

func TestInterruptAbortsRunningExecution(t *testing.T) {
	srv, client := startServer(t, binding.KernelShell)
	shell := client.Shell.Subscribe()
	defer shell.Cancel()

	req, err := wire.NewMessage(wire.MsgExecuteRequest, "s1", map[string]string{"code": "sleep 30"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Shell.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Give the child a moment to start before interrupting.
	time.Sleep(200 * time.Millisecond)
	srv.Interrupt()

	reply := collect(t, shell, func(m *wire.Message) bool {
		return m.Header.MsgType == wire.MsgExecuteReply && m.ParentID() == req.Header.MsgID
	})
	var rc struct {
		Status string `json:"status"`
	}
	if err := reply.DecodeContent(&rc); err != nil || rc.Status != "error" {
		t.Errorf("reply after interrupt = %+v, want error", rc)
	}
}

func TestLaunchCommand(t *testing.T) {
	cmd := LaunchCommand(binding.KernelPython, "abc")
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "--kernel python") || !strings.Contains(joined, "--session abc") {
		t.Errorf("command = %q", joined)
	}
}
