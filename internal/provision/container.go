package provision

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"kernelbridge/internal/archive"
	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/wire"
)

// ContainerAPI is the container runtime subset the provisioner needs.
type ContainerAPI interface {
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerRestart(ctx context.Context, id string, opts container.StopOptions) error
	ContainerKill(ctx context.Context, id, signal string) error
	ContainerExecCreate(ctx context.Context, id string, cfg container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, cfg container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, id, srcPath string) (io.ReadCloser, container.PathStat, error)
	CopyToContainer(ctx context.Context, id, dstPath string, content io.Reader, opts container.CopyToContainerOptions) error
}

// runtimeDirEnv names the backend runtime directory inside a container.
const runtimeDirEnv = "KB_RUNTIME_DIR"

const defaultRuntimeDir = "/root/.local/share/kernelbridge/runtime"

const restartWait = 15 * time.Second

// Container attaches to a backend already running inside a managed
// container. It never launches a process itself: the container image
// starts the agent, and attach means finding its connection file.
type Container struct {
	name   string
	id     string
	docker ContainerAPI
	logger *slog.Logger

	mu   sync.Mutex
	pid  int
	desc *Descriptor
}

func NewContainer(b binding.Binding, deps Deps) *Container {
	return &Container{
		name:   b.Name,
		id:     b.Connection.ContainerID,
		docker: deps.Docker,
		logger: deps.logger().With("binding", b.Name, "provisioner", "container", "container", b.Connection.ContainerID),
	}
}

func (c *Container) inspect(ctx context.Context) (types.ContainerJSON, error) {
	info, err := c.docker.ContainerInspect(ctx, c.id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return info, &errdefs.NotFoundError{Name: "container " + c.id}
		}
		return info, err
	}
	return info, nil
}

// PreLaunch makes sure the container runs, restarting it if necessary.
func (c *Container) PreLaunch(ctx context.Context, cmd []string) ([]string, error) {
	info, err := c.inspect(ctx)
	if err != nil {
		return nil, err
	}
	if info.State != nil && info.State.Running {
		return cmd, nil
	}
	c.logger.Info("container not running, restarting")
	if err := c.docker.ContainerRestart(ctx, c.id, container.StopOptions{}); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(restartWait)
	for time.Now().Before(deadline) {
		info, err = c.inspect(ctx)
		if err != nil {
			return nil, err
		}
		if info.State != nil && info.State.Running {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, &errdefs.TimeoutError{Op: "restart container " + c.id, After: restartWait}
}

// LaunchKernel attaches: it locates the newest connection file inside the
// container and rewrites its endpoint to the container's public address.
func (c *Container) LaunchKernel(ctx context.Context, cmd []string) (*Descriptor, error) {
	info, err := c.inspect(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := publicAddress(info)
	if err != nil {
		return nil, err
	}
	runtimeDir, err := c.runtimeDir(ctx)
	if err != nil {
		return nil, err
	}
	connInfo, err := c.newestConnectionFile(ctx, runtimeDir)
	if err != nil {
		return nil, &errdefs.LaunchError{Err: err}
	}
	connInfo.IP = addr
	rewritePublishedPorts(&connInfo, info, addr)

	pid := 0
	if info.State != nil {
		pid = info.State.Pid
	}
	desc := &Descriptor{PID: pid, Info: connInfo}
	c.mu.Lock()
	c.pid = pid
	c.desc = desc
	c.mu.Unlock()
	c.logger.Info("attached to container backend", "address", addr, "shell_port", connInfo.ShellPort)
	return desc, nil
}

// runtimeDir asks the container's environment where the agent keeps its
// connection files.
func (c *Container) runtimeDir(ctx context.Context) (string, error) {
	out, err := c.exec(ctx, "env")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), runtimeDirEnv+"="); ok && v != "" {
			return v, nil
		}
	}
	return defaultRuntimeDir, nil
}

// newestConnectionFile pulls the runtime dir as a tar stream and parses
// the most recently written kernel-*.json.
func (c *Container) newestConnectionFile(ctx context.Context, dir string) (wire.ConnectionInfo, error) {
	var zero wire.ConnectionInfo
	rc, _, err := c.docker.CopyFromContainer(ctx, c.id, dir)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return zero, fmt.Errorf("runtime dir %s missing in container", dir)
		}
		return zero, err
	}
	defer rc.Close()

	var newest time.Time
	var payload []byte
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return zero, err
		}
		base := path.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !strings.HasPrefix(base, "kernel-") || !strings.HasSuffix(base, ".json") {
			continue
		}
		if hdr.ModTime.After(newest) {
			b, err := io.ReadAll(tr)
			if err != nil {
				return zero, err
			}
			newest = hdr.ModTime
			payload = b
		}
	}
	if payload == nil {
		return zero, fmt.Errorf("no connection file under %s", dir)
	}
	var connInfo wire.ConnectionInfo
	if err := json.Unmarshal(payload, &connInfo); err != nil {
		return zero, fmt.Errorf("parse connection file: %w", err)
	}
	if connInfo.Transport == "" {
		connInfo.Transport = "tcp"
	}
	return connInfo, nil
}

// publicAddress finds a dialable address for the container.
func publicAddress(info types.ContainerJSON) (string, error) {
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s: no public address attached", info.ID)
	}
	for _, netw := range info.NetworkSettings.Networks {
		if netw != nil && netw.IPAddress != "" {
			return netw.IPAddress, nil
		}
	}
	if info.NetworkSettings.IPAddress != "" {
		return info.NetworkSettings.IPAddress, nil
	}
	return "", fmt.Errorf("container %s: no public address attached", info.ID)
}

// rewritePublishedPorts maps channel ports through the container's port
// bindings when the backend's ports are published to the host.
func rewritePublishedPorts(connInfo *wire.ConnectionInfo, info types.ContainerJSON, addr string) {
	if info.NetworkSettings == nil || len(info.NetworkSettings.Ports) == 0 {
		return
	}
	for _, role := range wire.PortNames() {
		p, err := connInfo.Port(role)
		if err != nil {
			continue
		}
		bindings := info.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", p))]
		for _, b := range bindings {
			host, err := strconv.Atoi(b.HostPort)
			if err != nil || host == 0 {
				continue
			}
			_ = connInfo.SetPort(role, host)
			if b.HostIP != "" && b.HostIP != "0.0.0.0" && b.HostIP != "::" {
				connInfo.IP = b.HostIP
			} else {
				connInfo.IP = "127.0.0.1"
			}
			break
		}
	}
}

// exec runs a command inside the container and returns its stdout.
func (c *Container) exec(ctx context.Context, cmd ...string) ([]byte, error) {
	resp, err := c.docker.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec %v: %w", cmd, err)
	}
	attach, err := c.docker.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %v: %w", cmd, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output %v: %w", cmd, err)
	}
	inspect, err := c.docker.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %v: %w", cmd, err)
	}
	if inspect.ExitCode != 0 {
		return nil, fmt.Errorf("exec %v: exit code %d: %s", cmd, inspect.ExitCode, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (c *Container) SendSignal(ctx context.Context, sig syscall.Signal) error {
	name, ok := signalNames[sig]
	if !ok {
		name = strconv.Itoa(int(sig))
	}
	if err := c.docker.ContainerKill(ctx, c.id, name); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &errdefs.NotFoundError{Name: "container " + c.id}
		}
		return err
	}
	return nil
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGINT:  "SIGINT",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGHUP:  "SIGHUP",
}

func (c *Container) Poll(ctx context.Context) (*int, error) {
	info, err := c.inspect(ctx)
	if err != nil {
		return nil, err
	}
	if info.State != nil && info.State.Running {
		return nil, nil
	}
	code := 0
	if info.State != nil {
		code = info.State.ExitCode
	}
	return &code, nil
}

// Cleanup detaches. The container is managed elsewhere, so nothing is
// stopped here.
func (c *Container) Cleanup(ctx context.Context) error {
	c.Reset()
	return nil
}

func (c *Container) HasProcess() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc != nil
}

func (c *Container) Reset() {
	c.mu.Lock()
	c.pid = 0
	c.desc = nil
	c.mu.Unlock()
}

// Upload packs localPath into a plain tar stream, which is what the copy
// API expects, and unpacks it at remotePath inside the container.
func (c *Container) Upload(ctx context.Context, localPath, remotePath string, progress archive.ProgressFunc) error {
	payload, err := archive.PackBytes(localPath, false)
	if err != nil {
		return err
	}
	if _, err := c.exec(ctx, "mkdir", "-p", remotePath); err != nil {
		return err
	}
	reader := archive.NewCountingReader(bytes.NewReader(payload), int64(len(payload)), progress)
	if err := c.docker.CopyToContainer(ctx, c.id, remotePath, reader, container.CopyToContainerOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &errdefs.NotFoundError{Name: "container " + c.id}
		}
		return err
	}
	return nil
}

// Download pulls remotePath out of the container and rebuilds it under
// localPath.
func (c *Container) Download(ctx context.Context, remotePath, localPath string, progress archive.ProgressFunc) error {
	rc, stat, err := c.docker.CopyFromContainer(ctx, c.id, remotePath)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return &errdefs.NotFoundError{Name: remotePath + " in container " + c.id}
		}
		return err
	}
	defer rc.Close()
	reader := archive.NewCountingReader(rc, stat.Size, progress)
	return archive.Extract(reader, localPath, false)
}
