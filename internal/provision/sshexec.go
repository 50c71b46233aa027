package provision

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/tunnel"
)

// remoteResult is the outcome of one remote command.
type remoteResult struct {
	Stdout []byte
	Stderr []byte
	Exit   int
}

// transport runs commands on a remote host. Split from the provisioner so
// tests can substitute canned sessions.
type transport interface {
	// Exec runs cmd in a plain (non-login) session.
	Exec(ctx context.Context, cmd string, stdin io.Reader) (*remoteResult, error)
	// LoginExec runs a single-line command inside an interactive login
	// shell and returns its output lines and exit code.
	LoginExec(ctx context.Context, cmd string) ([]byte, int, error)
	Close() error
}

type cryptoTransport struct {
	client *ssh.Client
	logger *slog.Logger
}

// dialTransport opens the SSH connection described by conn.
func dialTransport(ctx context.Context, conn binding.Connection, logger *slog.Logger) (transport, error) {
	client, err := dialClient(ctx, conn, logger)
	if err != nil {
		return nil, err
	}
	return &cryptoTransport{client: client, logger: logger}, nil
}

func dialClient(ctx context.Context, conn binding.Connection, logger *slog.Logger) (*ssh.Client, error) {
	host, port := splitHostPort(conn.Host)
	username := conn.User
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	var auth []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if ac, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(ac).Signers))
		}
	}
	if conn.IdentityFile != "" {
		key, err := os.ReadFile(expandHome(conn.IdentityFile))
		if err != nil {
			return nil, &errdefs.ConnectionError{Host: conn.Host, Err: err}
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, &errdefs.ConnectionError{Host: conn.Host, Err: fmt.Errorf("parse identity file: %w", err)}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, &errdefs.ConnectionError{Host: conn.Host,
			Err: errors.New("no usable auth: neither ssh agent nor identity file")}
	}

	hostKeys, err := hostKeyCallback(conn, host, logger)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: conn.Host, Err: err}
	}

	timeout := conn.Timeout
	if timeout <= 0 {
		timeout = binding.DefaultSSHTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(host, port)
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: conn.Host, Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	if err != nil {
		raw.Close()
		return nil, &errdefs.ConnectionError{Host: conn.Host, Err: err}
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// TunnelDialer adapts the SSH dial path into the tunnel manager's dialer.
// lookup maps a host back to the binding connection that configured it, so
// forwards authenticate the same way the launch did; unknown hosts fall
// back to agent auth with defaults.
func TunnelDialer(lookup func(host string) (binding.Connection, bool), logger *slog.Logger) tunnel.Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(host string) (tunnel.Client, error) {
		conn, ok := lookup(host)
		if !ok {
			conn = binding.Connection{Type: binding.ConnectionSSH, Host: host}
		}
		return dialClient(context.Background(), conn, logger)
	}
}

func splitHostPort(host string) (string, string) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		return h, p
	}
	return host, "22"
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// hostKeyCallback picks the verification strategy. With checking enabled
// the user's known_hosts decides. With checking off the host's keys are
// still scanned into a managed block so a later switch to checking does
// not break the binding.
func hostKeyCallback(conn binding.Connection, host string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if conn.HostKeyChecking {
		path := filepath.Join(homeSSHDir(), "known_hosts")
		return knownhosts.New(path)
	}
	if err := recordHostKeys(host, filepath.Join(homeSSHDir(), "known_hosts"), logger); err != nil {
		logger.Warn("host key scan failed", "host", host, "error", err)
	}
	return ssh.InsecureIgnoreHostKey(), nil
}

func homeSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

// recordHostKeys refreshes the managed known_hosts block for host using
// ssh-keyscan. The block is delimited by comment markers so repeated scans
// replace rather than accumulate.
func recordHostKeys(host, path string, logger *slog.Logger) error {
	out, err := exec.Command("ssh-keyscan", "-H", host).Output()
	if err != nil {
		return fmt.Errorf("ssh-keyscan %s: %w", host, err)
	}
	begin := "# BEGIN kernelbridge: " + host
	end := "# END kernelbridge: " + host

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	var kept []string
	skipping := false
	for _, line := range strings.Split(string(existing), "\n") {
		switch {
		case strings.TrimSpace(line) == begin:
			skipping = true
		case strings.TrimSpace(line) == end:
			skipping = false
		case !skipping && line != "":
			kept = append(kept, line)
		}
	}
	kept = append(kept, begin)
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			kept = append(kept, line)
		}
	}
	kept = append(kept, end)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")+"\n"), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (t *cryptoTransport) Exec(ctx context.Context, cmd string, stdin io.Reader) (*remoteResult, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	sess.Stdin = stdin

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &remoteResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.Exit = exitErr.ExitStatus()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

var exitSentinel = regexp.MustCompile(`^::exit=(\d+)$`)

// LoginExec runs cmd inside an interactive login shell. The command is
// bracketed by sentinel echoes: output between the ::start marker and the
// ::exit marker is the command's, everything else (banners, the pty's echo
// of our own input) is discarded. This only works for single-line commands
// whose output never prints a bare sentinel line itself, which is fragile
// but matches what remote launches need.
func (t *cryptoTransport) LoginExec(ctx context.Context, cmd string) ([]byte, int, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, 0, err
	}
	defer sess.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", 40, 120, modes); err != nil {
		return nil, 0, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, 0, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, 0, err
	}
	if err := sess.Shell(); err != nil {
		return nil, 0, err
	}

	fmt.Fprintf(stdin, "echo ::start && %s\n", cmd)
	fmt.Fprintf(stdin, "echo ::exit=$?\n")
	fmt.Fprintf(stdin, "exit\n")

	type result struct {
		lines []string
		code  int
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		lines, code, err := collectSentinel(stdout)
		resCh <- result{lines, code, err}
	}()

	select {
	case <-ctx.Done():
		sess.Close()
		return nil, 0, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, 0, r.err
		}
		out := strings.Join(r.lines, "\n")
		if out != "" {
			out += "\n"
		}
		return []byte(out), r.code, nil
	}
}

// collectSentinel scans a login shell's output stream for the bracketed
// command output.
func collectSentinel(r io.Reader) ([]string, int, error) {
	var lines []string
	started := false
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		trimmed := strings.TrimRight(scanner.Text(), "\r")
		if !started {
			if trimmed == "::start" {
				started = true
			}
			continue
		}
		if m := exitSentinel.FindStringSubmatch(trimmed); m != nil {
			code, _ := strconv.Atoi(m[1])
			return lines, code, nil
		}
		// The shell echoes our sentinel command back when ECHO cannot be
		// fully suppressed; drop anything that still carries the marker.
		if strings.Contains(trimmed, "::exit=$?") || strings.Contains(trimmed, "echo ::start") {
			continue
		}
		lines = append(lines, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return nil, 0, errors.New("shell closed before exit sentinel")
}

func (t *cryptoTransport) Close() error {
	return t.client.Close()
}
