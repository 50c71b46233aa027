package provision

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
)

type fakeDocker struct {
	running      bool
	runsAfter    int // inspects before a restarted container reports running
	exitCode     int
	pid          int
	address      string
	envOutput    string
	runtimeTar   []byte
	inspectErr   error
	restartErr   error
	inspects     int
	restarts     int
	killed       []string
	copiedToPath string
	copiedTo     []byte
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.inspects++
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	running := f.running
	if !running && f.restarts > 0 && f.runsAfter > 0 && f.inspects >= f.runsAfter {
		running = true
	}
	info := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID: id,
			State: &types.ContainerState{
				Running:  running,
				Pid:      f.pid,
				ExitCode: f.exitCode,
			},
		},
		NetworkSettings: &types.NetworkSettings{},
	}
	info.NetworkSettings.IPAddress = f.address
	return info, nil
}

func (f *fakeDocker) ContainerRestart(_ context.Context, _ string, _ container.StopOptions) error {
	f.restarts++
	return f.restartErr
}

func (f *fakeDocker) ContainerKill(_ context.Context, _ string, signal string) error {
	f.killed = append(f.killed, signal)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, _ container.ExecOptions) (types.IDResponse, error) {
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{
		Reader: bufio.NewReader(bytes.NewReader(muxStdout([]byte(f.envOutput)))),
		Conn:   &nopConn{},
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: 0}, nil
}

func (f *fakeDocker) CopyFromContainer(_ context.Context, _ string, _ string) (io.ReadCloser, container.PathStat, error) {
	return io.NopCloser(bytes.NewReader(f.runtimeTar)), container.PathStat{Size: int64(len(f.runtimeTar))}, nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _ string, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	b, _ := io.ReadAll(content)
	f.copiedToPath = dst
	f.copiedTo = b
	return nil
}

// muxStdout frames payload the way the runtime multiplexes attach output.
func muxStdout(p []byte) []byte {
	hdr := make([]byte, 8)
	hdr[0] = 1
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p)))
	return append(hdr, p...)
}

type nopConn struct{}

func (nopConn) Read([]byte) (int, error)        { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error)     { return len(b), nil }
func (nopConn) Close() error                    { return nil }
func (nopConn) LocalAddr() net.Addr             { return nil }
func (nopConn) RemoteAddr() net.Addr            { return nil }
func (nopConn) SetDeadline(time.Time) error     { return nil }
func (nopConn) SetReadDeadline(time.Time) error { return nil }
func (nopConn) SetWriteDeadline(time.Time) error {
	return nil
}

func runtimeTar(t *testing.T, files map[string]struct {
	body string
	mod  time.Time
}) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, f := range files {
		hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(f.body)), ModTime: f.mod}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(f.body)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	return buf.Bytes()
}

func containerBinding() binding.Binding {
	return binding.Binding{
		Name:       "ctr",
		Kernel:     binding.KernelPython,
		Connection: binding.Connection{Type: binding.ConnectionContainer, ContainerID: "abc123"},
	}
}

func connJSON(shellPort int) string {
	return fmt.Sprintf(`{"ip": "0.0.0.0", "transport": "tcp", "shell_port": %d, `+
		`"iopub_port": 6002, "stdin_port": 6003, "hb_port": 6004, "control_port": 6005, `+
		`"key": "k", "signature_scheme": "hmac-sha256"}`, shellPort)
}

func TestContainerPreLaunchRestartsStopped(t *testing.T) {
	fd := &fakeDocker{running: false, runsAfter: 2, pid: 7}
	c := NewContainer(containerBinding(), Deps{Docker: fd})

	if _, err := c.PreLaunch(context.Background(), nil); err != nil {
		t.Fatalf("prelaunch: %v", err)
	}
	if fd.restarts != 1 {
		t.Errorf("restarts = %d, want 1", fd.restarts)
	}
}

func TestContainerPreLaunchTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fd := &fakeDocker{running: false}
	c := NewContainer(containerBinding(), Deps{Docker: fd})
	// Shrink the wait through the context so the test stays fast.
	_, err := c.PreLaunch(ctx, nil)
	if err == nil {
		t.Fatal("expected failure for container that never starts")
	}
	if !errdefs.IsTimeout(err) && ctx.Err() == nil {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestContainerAttachPicksNewestConnectionFile(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	fd := &fakeDocker{
		running:   true,
		pid:       4321,
		address:   "172.17.0.5",
		envOutput: "PATH=/bin\nKB_RUNTIME_DIR=/var/run/kb\n",
		runtimeTar: runtimeTar(t, map[string]struct {
			body string
			mod  time.Time
		}{
			"kb/kernel-old.json": {connJSON(7001), old},
			"kb/kernel-new.json": {connJSON(7002), recent},
			"kb/other.txt":       {"ignore", recent},
		}),
	}
	c := NewContainer(containerBinding(), Deps{Docker: fd})
	desc, err := c.LaunchKernel(context.Background(), nil)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if desc.Info.ShellPort != 7002 {
		t.Errorf("shell port = %d, want newest file's 7002", desc.Info.ShellPort)
	}
	if desc.Info.IP != "172.17.0.5" {
		t.Errorf("ip = %s, want container address", desc.Info.IP)
	}
	if desc.PID != 4321 {
		t.Errorf("pid = %d", desc.PID)
	}
}

func TestContainerAttachNoAddress(t *testing.T) {
	fd := &fakeDocker{running: true, address: ""}
	c := NewContainer(containerBinding(), Deps{Docker: fd})
	_, err := c.LaunchKernel(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "no public address attached") {
		t.Fatalf("error = %v, want no public address", err)
	}
}

func TestContainerSignalAndPoll(t *testing.T) {
	fd := &fakeDocker{running: true}
	c := NewContainer(containerBinding(), Deps{Docker: fd})
	if err := c.SendSignal(context.Background(), 2); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if len(fd.killed) != 1 || fd.killed[0] != "SIGINT" {
		t.Errorf("killed = %v", fd.killed)
	}
	code, err := c.Poll(context.Background())
	if err != nil || code != nil {
		t.Fatalf("poll running = %v, %v", code, err)
	}
	fd.running = false
	fd.exitCode = 137
	code, err = c.Poll(context.Background())
	if err != nil || code == nil || *code != 137 {
		t.Fatalf("poll stopped = %v, %v", code, err)
	}
}

func TestContainerUploadCopiesArchive(t *testing.T) {
	fd := &fakeDocker{running: true}
	c := NewContainer(containerBinding(), Deps{Docker: fd})
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.Upload(context.Background(), src, "/dst", nil); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fd.copiedToPath != "/dst" || len(fd.copiedTo) == 0 {
		t.Errorf("copy target = %q, %d bytes", fd.copiedToPath, len(fd.copiedTo))
	}
	// The copy API wants a plain tar stream.
	tr := tar.NewReader(bytes.NewReader(fd.copiedTo))
	if _, err := tr.Next(); err != nil {
		t.Errorf("payload is not tar: %v", err)
	}
}
