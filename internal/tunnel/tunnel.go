// Package tunnel forwards the kernel wire ports of a remote host over SSH.
// One shared SSH connection is kept per host; every forwarded port is a
// listener on an ephemeral local port whose accepted connections are piped
// through that shared connection.
package tunnel

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"kernelbridge/internal/errdefs"
)

// Client is the subset of *ssh.Client the manager needs. It is an
// interface so tests can stand in a fake transport.
type Client interface {
	Dial(network, addr string) (net.Conn, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// Dialer opens a new SSH connection to host.
type Dialer func(host string) (Client, error)

type Config struct {
	Dial   Dialer
	Logger *slog.Logger
}

// Manager multiplexes port forwards for any number of hosts over at most
// one SSH connection per host.
type Manager struct {
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]Client
	forwards map[string][]*Forward
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dial:     cfg.Dial,
		logger:   logger,
		clients:  make(map[string]Client),
		forwards: make(map[string][]*Forward),
	}
}

// Forward is one live local-to-remote port forward.
type Forward struct {
	Host       string
	RemotePort int
	LocalPort  int

	listener net.Listener
	closed   chan struct{}
	once     sync.Once
}

func (f *Forward) Close() {
	f.once.Do(func() {
		close(f.closed)
		f.listener.Close()
	})
}

// client returns the shared connection for host, dialing one if none exists
// or the cached one no longer answers a keepalive.
func (m *Manager) client(host string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[host]; ok {
		if _, _, err := c.SendRequest("keepalive@kernelbridge", true, nil); err == nil {
			return c, nil
		}
		m.logger.Warn("shared ssh connection died, redialing", "host", host)
		c.Close()
		delete(m.clients, host)
	}
	c, err := m.dial(host)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: host, Err: err}
	}
	m.clients[host] = c
	return c, nil
}

// Forward starts forwarding remotePort on host to a fresh ephemeral local
// port and returns the forward. The forward stays up until Close is called
// on it or on the manager.
func (m *Manager) Forward(host string, remotePort int) (*Forward, error) {
	client, err := m.client(host)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for forward: %w", err)
	}
	fwd := &Forward{
		Host:       host,
		RemotePort: remotePort,
		LocalPort:  ln.Addr().(*net.TCPAddr).Port,
		listener:   ln,
		closed:     make(chan struct{}),
	}
	m.mu.Lock()
	m.forwards[host] = append(m.forwards[host], fwd)
	m.mu.Unlock()

	go m.serve(fwd, client)
	m.logger.Debug("forward established",
		"host", host, "remote_port", remotePort, "local_port", fwd.LocalPort)
	return fwd, nil
}

func (m *Manager) serve(fwd *Forward, client Client) {
	for {
		local, err := fwd.listener.Accept()
		if err != nil {
			select {
			case <-fwd.closed:
			default:
				m.logger.Warn("forward accept failed",
					"host", fwd.Host, "remote_port", fwd.RemotePort, "error", err)
			}
			return
		}
		go func() {
			defer local.Close()
			remote, err := client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", fwd.RemotePort))
			if err != nil {
				m.logger.Warn("forward dial failed",
					"host", fwd.Host, "remote_port", fwd.RemotePort, "error", err)
				return
			}
			defer remote.Close()
			done := make(chan struct{}, 2)
			go func() { io.Copy(remote, local); done <- struct{}{} }()
			go func() { io.Copy(local, remote); done <- struct{}{} }()
			<-done
		}()
	}
}

// CloseForwards tears down just the given forwards. The shared connection
// for a host is dropped only once no forwards remain for it, so other
// sessions tunneled to the same host keep theirs.
func (m *Manager) CloseForwards(fwds []*Forward) {
	var clients []Client
	m.mu.Lock()
	for _, f := range fwds {
		list := m.forwards[f.Host]
		for i, cand := range list {
			if cand == f {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) > 0 {
			m.forwards[f.Host] = list
			continue
		}
		delete(m.forwards, f.Host)
		if c, ok := m.clients[f.Host]; ok {
			clients = append(clients, c)
			delete(m.clients, f.Host)
			m.logger.Debug("last forward closed, dropping shared connection", "host", f.Host)
		}
	}
	m.mu.Unlock()

	for _, f := range fwds {
		f.Close()
	}
	for _, c := range clients {
		c.Close()
	}
}

// CloseHost tears down every forward for host, then the shared connection.
func (m *Manager) CloseHost(host string) {
	m.mu.Lock()
	fwds := m.forwards[host]
	delete(m.forwards, host)
	client := m.clients[host]
	delete(m.clients, host)
	m.mu.Unlock()

	for _, f := range fwds {
		f.Close()
	}
	if client != nil {
		client.Close()
	}
}

// Close tears down all forwards and connections.
func (m *Manager) Close() {
	m.mu.Lock()
	hosts := make([]string, 0, len(m.clients))
	for h := range m.clients {
		hosts = append(hosts, h)
	}
	for h := range m.forwards {
		found := false
		for _, h2 := range hosts {
			if h2 == h {
				found = true
				break
			}
		}
		if !found {
			hosts = append(hosts, h)
		}
	}
	m.mu.Unlock()
	for _, h := range hosts {
		m.CloseHost(h)
	}
}
