package wire

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Heartbeat is a ping/echo client for the backend's heartbeat port. One
// persistent connection is kept and re-dialed lazily after a failure.
type Heartbeat struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

func NewHeartbeat(addr string, timeout time.Duration) *Heartbeat {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Heartbeat{addr: addr, timeout: timeout}
}

// Beat sends one ping and waits for its echo. Any error means the beat was
// missed; the connection is discarded so the next beat re-dials.
func (h *Heartbeat) Beat() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		conn, err := net.DialTimeout("tcp", h.addr, h.timeout)
		if err != nil {
			return err
		}
		h.conn = conn
		h.rd = bufio.NewReader(conn)
	}
	nonce := uuid.NewString()
	deadline := time.Now().Add(h.timeout)
	_ = h.conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(h.conn, "ping %s\n", nonce); err != nil {
		h.drop()
		return err
	}
	line, err := h.rd.ReadString('\n')
	if err != nil {
		h.drop()
		return err
	}
	if !strings.Contains(line, nonce) {
		h.drop()
		return fmt.Errorf("heartbeat echo mismatch")
	}
	return nil
}

func (h *Heartbeat) drop() {
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
		h.rd = nil
	}
}

// Close releases the heartbeat connection.
func (h *Heartbeat) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop()
}
