package provision

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"kernelbridge/internal/archive"
	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/tunnel"
	"kernelbridge/internal/wire"
	"kernelbridge/internal/workflow"
)

// agentBinary is the backend launcher expected on remote hosts.
const agentBinary = "kernelbridge-agent"

// installWorkflow provisions the agent onto hosts that lack it.
const installWorkflow = "install-agent"

// SSH launches backends on a remote host. The launch happens inside a
// login shell so the remote user's environment applies; afterwards every
// channel port is forwarded through the shared tunnel connection and the
// descriptor is rewritten to the local ends.
type SSH struct {
	name       string
	conn       binding.Connection
	logger     *slog.Logger
	tunnels    *tunnel.Manager
	workflows  *workflow.Runner
	onProgress workflow.ProgressFunc

	// dial is swapped in tests.
	dial func(ctx context.Context) (transport, error)

	mu       sync.Mutex
	tr       transport
	pid      int
	desc     *Descriptor
	forwards []*tunnel.Forward
	// envChecked caches the remote agent probe for this provisioner's
	// lifetime. A connection change creates a fresh provisioner, which is
	// what invalidates it.
	envChecked bool
}

func NewSSH(b binding.Binding, deps Deps) (*SSH, error) {
	logger := deps.logger().With("binding", b.Name, "provisioner", "ssh", "host", b.Connection.Host)
	s := &SSH{
		name:       b.Name,
		conn:       b.Connection,
		logger:     logger,
		tunnels:    deps.Tunnels,
		workflows:  deps.Workflows,
		onProgress: deps.OnProgress,
	}
	s.dial = func(ctx context.Context) (transport, error) {
		return dialTransport(ctx, s.conn, s.logger)
	}
	return s, nil
}

func (s *SSH) transport(ctx context.Context) (transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr != nil {
		return s.tr, nil
	}
	tr, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.tr = tr
	return tr, nil
}

// remoteCmd applies the binding's elevation setting.
func (s *SSH) remoteCmd(cmd string) string {
	if s.conn.Sudo {
		return "sudo -n " + cmd
	}
	return cmd
}

// PreLaunch verifies the agent exists on the host and runs the install
// workflow when it does not.
func (s *SSH) PreLaunch(ctx context.Context, cmd []string) ([]string, error) {
	s.mu.Lock()
	checked := s.envChecked
	s.mu.Unlock()
	if checked {
		return cmd, nil
	}
	tr, err := s.transport(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tr.Exec(ctx, "command -v "+agentBinary, nil)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if res.Exit != 0 {
		s.logger.Info("agent missing on host, provisioning")
		if s.workflows == nil {
			return nil, &errdefs.ProvisionError{Workflow: installWorkflow,
				Err: fmt.Errorf("%s not found on %s and no workflow runner configured", agentBinary, s.conn.Host)}
		}
		args := []string{s.conn.Host}
		if s.conn.User != "" {
			args = append(args, s.conn.User)
		}
		env := []string{"KB_IDENTITY_FILE=" + s.conn.IdentityFile}
		if err := s.workflows.Run(ctx, installWorkflow, env, args, s.onProgress); err != nil {
			return nil, err
		}
		// The install may have rewritten shell profiles; probe again from
		// scratch.
		res, err = tr.Exec(ctx, "command -v "+agentBinary, nil)
		if err != nil {
			return nil, &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
		}
		if res.Exit != 0 {
			return nil, &errdefs.ProvisionError{Workflow: installWorkflow,
				Err: fmt.Errorf("%s still missing after install", agentBinary)}
		}
	}
	s.mu.Lock()
	s.envChecked = true
	s.mu.Unlock()
	return cmd, nil
}

func (s *SSH) LaunchKernel(ctx context.Context, cmd []string) (*Descriptor, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty launch command")
	}
	tr, err := s.transport(ctx)
	if err != nil {
		return nil, err
	}
	line := s.remoteCmd(strings.Join(cmd, " "))
	s.logger.Debug("launching backend", "command", line)
	out, exit, err := tr.LoginExec(ctx, line)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if exit != 0 {
		return nil, &errdefs.LaunchError{Output: string(out), Err: fmt.Errorf("remote launch exited %d", exit)}
	}
	desc, err := parseBootstrap(out)
	if err != nil {
		return nil, err
	}
	if err := s.openTunnels(desc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pid = desc.PID
	s.desc = desc
	s.mu.Unlock()
	s.logger.Info("backend launched", "pid", desc.PID)
	return desc, nil
}

// openTunnels forwards each channel port and rewrites the descriptor so
// callers dial the local ends.
func (s *SSH) openTunnels(desc *Descriptor) error {
	if s.tunnels == nil {
		return fmt.Errorf("ssh binding %q requires a tunnel manager", s.name)
	}
	var opened []*tunnel.Forward
	for _, role := range wire.PortNames() {
		remote, err := desc.Info.Port(role)
		if err != nil {
			return err
		}
		fwd, err := s.tunnels.Forward(s.conn.Host, remote)
		if err != nil {
			s.tunnels.CloseForwards(opened)
			return err
		}
		opened = append(opened, fwd)
		if err := desc.Info.SetPort(role, fwd.LocalPort); err != nil {
			return err
		}
	}
	desc.Info.IP = "127.0.0.1"
	s.mu.Lock()
	s.forwards = opened
	s.mu.Unlock()
	return nil
}

func (s *SSH) SendSignal(ctx context.Context, sig syscall.Signal) error {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid == 0 {
		return fmt.Errorf("no backend process")
	}
	tr, err := s.transport(ctx)
	if err != nil {
		return err
	}
	res, err := tr.Exec(ctx, s.remoteCmd(fmt.Sprintf("kill -%d %d", int(sig), pid)), nil)
	if err != nil {
		return &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if res.Exit != 0 {
		return fmt.Errorf("remote kill -%d %d exited %d: %s",
			int(sig), pid, res.Exit, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

func (s *SSH) Poll(ctx context.Context) (*int, error) {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid == 0 {
		code := exitUnknown
		return &code, nil
	}
	tr, err := s.transport(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tr.Exec(ctx, s.remoteCmd(fmt.Sprintf("kill -0 %d", pid)), nil)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if res.Exit == 0 {
		return nil, nil
	}
	code := exitUnknown
	return &code, nil
}

func (s *SSH) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	pid := s.pid
	tr := s.tr
	forwards := s.forwards
	s.mu.Unlock()

	if pid != 0 && tr != nil {
		if _, err := tr.Exec(ctx, s.remoteCmd(fmt.Sprintf("kill -%d %d", int(syscall.SIGTERM), pid)), nil); err != nil {
			s.logger.Warn("remote TERM failed", "pid", pid, "error", err)
		}
	}
	// Only this session's forwards come down; other bindings tunneled to
	// the same host keep the shared connection.
	if s.tunnels != nil {
		s.tunnels.CloseForwards(forwards)
	}
	if tr != nil {
		tr.Close()
	}
	s.Reset()
	return nil
}

func (s *SSH) HasProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid != 0 && s.desc != nil
}

func (s *SSH) Reset() {
	s.mu.Lock()
	s.pid = 0
	s.desc = nil
	s.forwards = nil
	s.tr = nil
	s.envChecked = false
	s.mu.Unlock()
}

// Upload archives localPath and unpacks it at remotePath through a tar
// pipe over the connection.
func (s *SSH) Upload(ctx context.Context, localPath, remotePath string, progress archive.ProgressFunc) error {
	tr, err := s.transport(ctx)
	if err != nil {
		return err
	}
	payload, err := archive.PackBytes(localPath, true)
	if err != nil {
		return err
	}
	reader := archive.NewCountingReader(bytes.NewReader(payload), int64(len(payload)), progress)
	cmd := s.remoteCmd(fmt.Sprintf("mkdir -p %s && tar xzf - -C %s", shQuote(remotePath), shQuote(remotePath)))
	res, err := tr.Exec(ctx, cmd, reader)
	if err != nil {
		return &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if res.Exit != 0 {
		return fmt.Errorf("remote extract exited %d: %s", res.Exit, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// Download archives remotePath on the host and unpacks it at localPath.
func (s *SSH) Download(ctx context.Context, remotePath, localPath string, progress archive.ProgressFunc) error {
	tr, err := s.transport(ctx)
	if err != nil {
		return err
	}
	cmd := s.remoteCmd(fmt.Sprintf("tar czf - -C %s .", shQuote(remotePath)))
	res, err := tr.Exec(ctx, cmd, nil)
	if err != nil {
		return &errdefs.ConnectionError{Host: s.conn.Host, Err: err}
	}
	if res.Exit != 0 {
		return fmt.Errorf("remote archive exited %d: %s", res.Exit, strings.TrimSpace(string(res.Stderr)))
	}
	total := int64(len(res.Stdout))
	reader := archive.NewCountingReader(bytes.NewReader(res.Stdout), total, progress)
	return archive.Extract(reader, localPath, true)
}

// shQuote single-quotes a path for the remote shell.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
