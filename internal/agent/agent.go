// Package agent implements the backend side of the channel protocol: a
// small kernel server that executes code through a host interpreter and
// speaks the five-port wire contract. The kernelbridge-agent binary wraps
// it for local and remote launches; tests run it in-process.
package agent

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"

	"kernelbridge/internal/binding"
	"kernelbridge/internal/wire"
)

type Config struct {
	// Kernel selects the interpreter: "shell" or "python".
	Kernel    string
	IP        string
	Key       string
	SessionID string
	Logger    *slog.Logger
}

// Server is one running kernel instance.
type Server struct {
	cfg    Config
	codec  *wire.Codec
	logger *slog.Logger
	info   wire.ConnectionInfo

	listeners map[string]net.Listener

	// execMu serializes executions: the control loop handles one request
	// at a time.
	execMu sync.Mutex

	mu      sync.Mutex
	iopub   map[net.Conn]*sync.Mutex
	running *exec.Cmd
	closed  bool
	wg      sync.WaitGroup
}

// Start binds the five channel ports and begins serving.
func Start(cfg Config) (*Server, error) {
	if cfg.IP == "" {
		cfg.IP = "127.0.0.1"
	}
	if cfg.Kernel == "" {
		cfg.Kernel = binding.DefaultKernel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	codec, err := wire.NewCodec(cfg.Key, wire.SignatureSchemeHMACSHA256)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		codec:     codec,
		logger:    cfg.Logger.With("kernel", cfg.Kernel),
		listeners: make(map[string]net.Listener),
		iopub:     make(map[net.Conn]*sync.Mutex),
	}
	s.info = wire.ConnectionInfo{
		IP:              cfg.IP,
		Transport:       "tcp",
		Key:             cfg.Key,
		SignatureScheme: wire.SignatureSchemeHMACSHA256,
	}
	for _, role := range wire.PortNames() {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.IP, "0"))
		if err != nil {
			s.Close()
			return nil, err
		}
		s.listeners[role] = ln
		if err := s.info.SetPort(role, ln.Addr().(*net.TCPAddr).Port); err != nil {
			s.Close()
			return nil, err
		}
	}

	s.serve(wire.RoleShell, s.serveCommand)
	s.serve(wire.RoleControl, s.serveCommand)
	s.serve(wire.RoleIOPub, s.serveIOPub)
	s.serve(wire.RoleStdin, s.serveStdin)
	s.serve(wire.RoleHB, s.serveHeartbeat)
	return s, nil
}

// Info returns the descriptor clients dial.
func (s *Server) Info() wire.ConnectionInfo { return s.info }

func (s *Server) serve(role string, handler func(net.Conn)) {
	ln := s.listeners[role]
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				handler(conn)
			}()
		}
	}()
}

// serveHeartbeat echoes whatever the monitor sends.
func (s *Server) serveHeartbeat(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
}

// serveStdin holds the connection open; input requests are not supported
// by these kernels.
func (s *Server) serveStdin(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(io.Discard, conn)
}

// serveIOPub registers a broadcast subscriber until it disconnects.
func (s *Server) serveIOPub(conn net.Conn) {
	s.mu.Lock()
	s.iopub[conn] = &sync.Mutex{}
	s.mu.Unlock()
	// Drain (and so notice close); subscribers only listen.
	_, _ = io.Copy(io.Discard, conn)
	s.mu.Lock()
	delete(s.iopub, conn)
	s.mu.Unlock()
	conn.Close()
}

// serveCommand handles the shell and control channels.
func (s *Server) serveCommand(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		msg, err := s.codec.Decode(scanner.Bytes())
		if err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch msg.Header.MsgType {
		case wire.MsgExecuteRequest:
			s.handleExecute(conn, &writeMu, msg)
		case wire.MsgInterrupt:
			s.Interrupt()
			if reply, err := msg.Child("interrupt_reply", map[string]string{"status": "ok"}); err == nil {
				s.send(conn, &writeMu, reply)
			}
		default:
			s.logger.Debug("ignoring message", "msg_type", msg.Header.MsgType)
		}
	}
}

type executeContent struct {
	Code string `json:"code"`
}

func (s *Server) handleExecute(conn net.Conn, writeMu *sync.Mutex, req *wire.Message) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.publishStatus(req, wire.StateBusy)
	defer s.publishStatus(req, wire.StateIdle)

	var content executeContent
	status := "ok"
	var ename, evalue string
	if err := req.DecodeContent(&content); err != nil {
		status, ename, evalue = "error", "protocol", err.Error()
	} else {
		var stdout, stderr bytes.Buffer
		cmd := interpreterCommand(s.cfg.Kernel, content.Code)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		s.mu.Lock()
		s.running = cmd
		s.mu.Unlock()
		err := cmd.Run()
		s.mu.Lock()
		s.running = nil
		s.mu.Unlock()

		s.publishStream(req, "stdout", stdout.String())
		s.publishStream(req, "stderr", stderr.String())
		if err != nil {
			status, ename, evalue = "error", "nonzero-exit", err.Error()
		}
	}

	replyBody := map[string]string{"status": status}
	if status != "ok" {
		replyBody["ename"] = ename
		replyBody["evalue"] = evalue
	}
	reply, err := req.Child(wire.MsgExecuteReply, replyBody)
	if err != nil {
		s.logger.Error("building reply failed", "error", err)
		return
	}
	s.send(conn, writeMu, reply)
}

func interpreterCommand(kernel, code string) *exec.Cmd {
	var cmd *exec.Cmd
	switch kernel {
	case binding.KernelPython:
		cmd = exec.Command("python3", "-c", code)
	default:
		cmd = exec.Command("sh", "-c", code)
	}
	// Own process group so an interrupt reaches the interpreter's children
	// too; otherwise a grandchild keeps the output pipes open and the
	// execution never finishes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (s *Server) publishStatus(parent *wire.Message, state string) {
	msg, err := parent.Child(wire.MsgStatus, map[string]string{"execution_state": state})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) publishStream(parent *wire.Message, name, text string) {
	if text == "" {
		return
	}
	msg, err := parent.Child(wire.MsgStream, map[string]string{"name": name, "text": text})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) broadcast(msg *wire.Message) {
	line, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error("encoding broadcast failed", "error", err)
		return
	}
	s.mu.Lock()
	conns := make(map[net.Conn]*sync.Mutex, len(s.iopub))
	for c, mu := range s.iopub {
		conns[c] = mu
	}
	s.mu.Unlock()
	for conn, mu := range conns {
		mu.Lock()
		_, err := conn.Write(append(line, '\n'))
		mu.Unlock()
		if err != nil {
			conn.Close()
		}
	}
}

func (s *Server) send(conn net.Conn, writeMu *sync.Mutex, msg *wire.Message) {
	line, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error("encoding reply failed", "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(append(line, '\n')); err != nil {
		s.logger.Warn("reply write failed", "error", err)
	}
}

// Interrupt kills the currently running child, if any. The execution then
// completes with an error reply and the usual idle signal, which is how
// waiting relays notice the abort.
func (s *Server) Interrupt() {
	s.mu.Lock()
	cmd := s.running
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		pgid := cmd.Process.Pid
		_ = syscall.Kill(-pgid, syscall.SIGINT)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// Close stops all listeners and waits for handlers to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.iopub))
	for c := range s.iopub {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range s.listeners {
		if ln != nil {
			ln.Close()
		}
	}
	for _, c := range conns {
		c.Close()
	}
	s.Interrupt()
	s.wg.Wait()
	return nil
}

// LaunchCommand builds the bootstrap command line a provisioner uses to
// start this agent for a session.
func LaunchCommand(kernel, sessionID string) []string {
	return []string{
		"kernelbridge-agent",
		"--kernel", kernel,
		"--session", sessionID,
	}
}
