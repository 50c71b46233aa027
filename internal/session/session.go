// Package session ties one live backend to its binding: the provisioner
// that owns the backend, the connection descriptor, and the channel client
// executions run through.
package session

import (
	"context"
	"log/slog"
	"sync"

	"kernelbridge/internal/provision"
	"kernelbridge/internal/wire"
)

// Session is the live attachment between a binding and its backend.
// Executions against one session are strictly serialized through ExecMu;
// distinct sessions never contend.
type Session struct {
	ID          string
	BindingName string
	Provisioner provision.Provisioner
	Client      *wire.Client
	// ConnFile is where the descriptor is persisted for the front-end's
	// transport. Rewritten whenever ports change.
	ConnFile string

	// ExecMu serializes relays on this session.
	ExecMu sync.Mutex

	logger *slog.Logger

	mu         sync.Mutex
	onRestart  []func()
	onPortsSet []func(wire.ConnectionInfo)
	closed     bool
}

func New(id, bindingName string, p provision.Provisioner, client *wire.Client, connFile string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:          id,
		BindingName: bindingName,
		Provisioner: p,
		Client:      client,
		ConnFile:    connFile,
		logger:      logger.With("session", id, "binding", bindingName),
	}
}

// Info returns the descriptor the client is connected with.
func (s *Session) Info() wire.ConnectionInfo {
	return s.Client.Info
}

// OnRestart registers a callback fired when the backend restarts
// out-of-band.
func (s *Session) OnRestart(fn func()) {
	s.mu.Lock()
	s.onRestart = append(s.onRestart, fn)
	s.mu.Unlock()
}

// OnPortsChanged registers a callback fired when the descriptor's ports are
// rewritten, so open subscriptions can be invalidated.
func (s *Session) OnPortsChanged(fn func(wire.ConnectionInfo)) {
	s.mu.Lock()
	s.onPortsSet = append(s.onPortsSet, fn)
	s.mu.Unlock()
}

// NotifyRestart fires restart callbacks in registration order.
func (s *Session) NotifyRestart() {
	s.mu.Lock()
	fns := append([]func(){}, s.onRestart...)
	s.mu.Unlock()
	s.logger.Info("backend restarted")
	for _, fn := range fns {
		fn()
	}
}

// SetPorts rewrites the persisted descriptor and notifies observers. The
// channel client itself is rebuilt by the orchestrator, not here.
func (s *Session) SetPorts(info wire.ConnectionInfo) error {
	if err := wire.WriteConnectionFile(s.ConnFile, info); err != nil {
		return err
	}
	s.mu.Lock()
	fns := append([]func(wire.ConnectionInfo){}, s.onPortsSet...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
	return nil
}

// Close tears the session down: channels first, then the backend.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.Client != nil {
		s.Client.Close()
	}
	if err := s.Provisioner.Cleanup(ctx); err != nil {
		s.logger.Warn("backend cleanup failed", "error", err)
		return err
	}
	return nil
}
