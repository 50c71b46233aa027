// Package provision owns backend lifecycles. Each provisioner variant
// launches or attaches to one backend instance for a binding, yields the
// connection descriptor its bootstrap output announces, and can signal,
// poll, and tear the instance down. Local backends are child processes,
// remote ones ride an SSH connection, container ones attach to a managed
// container.
package provision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"syscall"

	"kernelbridge/internal/archive"
	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/tunnel"
	"kernelbridge/internal/wire"
	"kernelbridge/internal/workflow"
)

// Descriptor is what a successful launch yields: the backend's pid on its
// own host plus the endpoint its channels listen on.
type Descriptor struct {
	PID  int                 `json:"pid"`
	Info wire.ConnectionInfo `json:"connection"`
}

// Provisioner is the per-connection-type strategy behind a session.
//
// has_process is true only while both the transport handle and the
// descriptor are set; Reset clears both together so the provisioner can
// never be observed half-valid.
type Provisioner interface {
	// PreLaunch prepares the target (install workflows, cache checks) and
	// may rewrite the launch command.
	PreLaunch(ctx context.Context, cmd []string) ([]string, error)
	// LaunchKernel runs the backend launch command and parses its
	// bootstrap output into a Descriptor.
	LaunchKernel(ctx context.Context, cmd []string) (*Descriptor, error)
	SendSignal(ctx context.Context, sig syscall.Signal) error
	// Poll reports the backend's exit code, or nil while it runs.
	Poll(ctx context.Context) (*int, error)
	// Cleanup stops the backend and releases transport resources.
	Cleanup(ctx context.Context) error
	HasProcess() bool
	Reset()
}

// FileTransfer is the optional capability of moving paths between the
// caller's host and the backend's. Variants that lack it simply do not
// implement the interface; Transferrer converts that absence into a typed
// error.
type FileTransfer interface {
	Upload(ctx context.Context, localPath, remotePath string, progress archive.ProgressFunc) error
	Download(ctx context.Context, remotePath, localPath string, progress archive.ProgressFunc) error
}

// Transferrer returns p's file transfer capability or a CapabilityError.
func Transferrer(p Provisioner, backend string) (FileTransfer, error) {
	if ft, ok := p.(FileTransfer); ok {
		return ft, nil
	}
	return nil, &errdefs.CapabilityError{Capability: "file transfer", Backend: backend}
}

// Deps carries the shared collaborators provisioners draw on.
type Deps struct {
	Logger    *slog.Logger
	Tunnels   *tunnel.Manager
	Workflows *workflow.Runner
	Docker    ContainerAPI
	// DataDir is the per-instance state directory (connection files,
	// kernelspec caches).
	DataDir string
	// OnProgress, when set, receives provisioning progress updates.
	OnProgress workflow.ProgressFunc
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// New builds the provisioner variant selected by the binding's connection
// type.
func New(b binding.Binding, deps Deps) (Provisioner, error) {
	if err := b.Connection.Validate(); err != nil {
		return nil, err
	}
	switch b.Connection.Type {
	case binding.ConnectionLocal:
		return NewLocal(b, deps), nil
	case binding.ConnectionSSH:
		return NewSSH(b, deps)
	case binding.ConnectionContainer:
		if deps.Docker == nil {
			return nil, fmt.Errorf("container binding %q requires a container runtime client", b.Name)
		}
		return NewContainer(b, deps), nil
	}
	return nil, fmt.Errorf("unknown connection type %q", b.Connection.Type)
}

// parseBootstrap scans launch output for the single JSON bootstrap object
// the backend contract requires. Leading noise lines (login banners, shell
// profiles) are skipped; output without a valid object is a launch failure
// carrying everything that was printed.
func parseBootstrap(output []byte) (*Descriptor, error) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			continue
		}
		if d.PID <= 0 || d.Info.ShellPort == 0 {
			continue
		}
		if d.Info.Transport == "" {
			d.Info.Transport = "tcp"
		}
		return &d, nil
	}
	return nil, &errdefs.LaunchError{
		Output: strings.TrimSpace(string(output)),
		Err:    fmt.Errorf("no bootstrap object in launch output"),
	}
}
