// Package orchestrator coordinates bindings, provisioners, and sessions:
// it lazily creates one session per binding, serializes executions against
// it, and folds failures back into binding state.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"kernelbridge/internal/agent"
	"kernelbridge/internal/archive"
	"kernelbridge/internal/binding"
	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/monitor"
	"kernelbridge/internal/provision"
	"kernelbridge/internal/relay"
	"kernelbridge/internal/session"
	"kernelbridge/internal/wire"
)

type Config struct {
	Registry *binding.Registry
	Relay    *relay.Relay
	Monitor  *monitor.Monitor
	// Provision carries the provisioner collaborators (tunnels, workflow
	// runner, container runtime client).
	Provision provision.Deps
	// DataDir holds per-session connection files.
	DataDir string
	Logger  *slog.Logger
	// LaunchCommand builds the backend launch command for a session.
	// Defaults to the agent's command line.
	LaunchCommand func(kernel, sessionID string) []string
}

type inflight struct {
	done chan struct{}
	sess *session.Session
	err  error
}

type Orchestrator struct {
	registry *binding.Registry
	relay    *relay.Relay
	monitor  *monitor.Monitor
	prov     provision.Deps
	dataDir  string
	logger   *slog.Logger

	launchCmd func(kernel, sessionID string) []string

	mu       sync.Mutex
	sessions map[string]*session.Session
	epochs   map[string]uint64
	inflight map[string]*inflight
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := cfg.Relay
	if r == nil {
		r = relay.New(relay.Config{Logger: logger})
	}
	launchCmd := cfg.LaunchCommand
	if launchCmd == nil {
		launchCmd = agent.LaunchCommand
	}
	return &Orchestrator{
		registry:  cfg.Registry,
		relay:     r,
		launchCmd: launchCmd,
		monitor:   cfg.Monitor,
		prov:      cfg.Provision,
		dataDir:   cfg.DataDir,
		logger:    logger,
		sessions:  make(map[string]*session.Session),
		epochs:    make(map[string]uint64),
		inflight:  make(map[string]*inflight),
	}
}

// EnsureSession returns the live session for a binding, creating it on
// first use. Concurrent callers for the same name share one in-flight
// creation; distinct names never contend.
func (o *Orchestrator) EnsureSession(ctx context.Context, name string) (*session.Session, error) {
	for {
		b, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		epoch := o.registry.ConnEpoch(name)

		o.mu.Lock()
		if sess, ok := o.sessions[name]; ok {
			if o.epochs[name] == epoch {
				o.mu.Unlock()
				if !o.backendExited(ctx, sess) {
					return sess, nil
				}
				o.logger.Warn("backend exited out-of-band", "binding", name, "session", sess.ID)
				if err := o.restartBackend(ctx, b, sess); err != nil {
					o.mu.Lock()
					if o.sessions[name] == sess {
						delete(o.sessions, name)
						delete(o.epochs, name)
					}
					o.mu.Unlock()
					o.dropSession(ctx, name, sess)
					return nil, err
				}
				return sess, nil
			}
			// Connection changed under the session; it is stale.
			delete(o.sessions, name)
			o.mu.Unlock()
			o.logger.Info("connection changed, discarding session", "binding", name)
			o.dropSession(ctx, name, sess)
			continue
		}
		if fl, ok := o.inflight[name]; ok {
			o.mu.Unlock()
			select {
			case <-fl.done:
				if fl.err != nil {
					return nil, fl.err
				}
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		fl := &inflight{done: make(chan struct{})}
		o.inflight[name] = fl
		o.mu.Unlock()

		fl.sess, fl.err = o.createSession(ctx, b)
		o.mu.Lock()
		delete(o.inflight, name)
		if fl.err == nil {
			o.sessions[name] = fl.sess
			o.epochs[name] = epoch
		}
		o.mu.Unlock()
		close(fl.done)
		return fl.sess, fl.err
	}
}

// createSession runs the full launch pipeline for one binding. On any
// failure the binding folds back to Disconnected with the error as its
// progress text and no partial session is kept.
func (o *Orchestrator) createSession(ctx context.Context, b binding.Binding) (sess *session.Session, err error) {
	name := b.Name
	o.registry.SetState(name, binding.StateCreating)
	o.registry.SetProgress(name, "checking target", -1)

	defer func() {
		if err != nil {
			o.registry.SetState(name, binding.StateDisconnected)
			o.registry.SetProgress(name, err.Error(), -1)
		}
	}()

	deps := o.prov
	deps.Logger = o.logger
	deps.OnProgress = func(ratio float64, message string) {
		o.registry.SetProgress(name, message, ratio)
	}
	p, err := provision.New(b, deps)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	cmd := o.launchCmd(b.Kernel, sessionID)
	cmd, err = p.PreLaunch(ctx, cmd)
	if err != nil {
		return nil, err
	}

	o.registry.SetProgress(name, "launching backend", -1)
	desc, err := p.LaunchKernel(ctx, cmd)
	if err != nil {
		p.Reset()
		return nil, err
	}

	connFile := wire.ConnectionFilePath(o.dataDir, sessionID)
	if err = wire.WriteConnectionFile(connFile, desc.Info); err != nil {
		o.cleanupBackend(ctx, p)
		return nil, err
	}

	client, err := wire.Connect(desc.Info, o.logger)
	if err != nil {
		o.cleanupBackend(ctx, p)
		return nil, err
	}

	sess = session.New(sessionID, name, p, client, connFile, o.logger)
	sess.OnRestart(func() {
		o.registry.SetState(name, binding.StateRestarted)
	})
	sess.OnPortsChanged(func(info wire.ConnectionInfo) {
		o.logger.Info("session ports changed", "binding", name)
	})
	if o.monitor != nil {
		o.monitor.Track(name, client.HB.Beat)
	}

	o.registry.SetState(name, binding.StateConnected)
	o.registry.SetProgress(name, "", -1)
	o.logger.Info("session established", "binding", name, "session", sessionID)
	return sess, nil
}

// backendExited reports whether a live session's backend process is gone.
// Backends without a watchable process are never reported as exited here;
// the heartbeat monitor covers those.
func (o *Orchestrator) backendExited(ctx context.Context, sess *session.Session) bool {
	if !sess.Provisioner.HasProcess() {
		return false
	}
	code, err := sess.Provisioner.Poll(ctx)
	return err == nil && code != nil
}

// restartBackend relaunches an exited backend behind its existing session,
// keeping the session identity and connection file. ExecMu is held across
// the swap so no relay observes a half-replaced client. The binding passes
// through Restarted and folds back to Connected once the new backend is
// reachable.
func (o *Orchestrator) restartBackend(ctx context.Context, b binding.Binding, sess *session.Session) error {
	sess.ExecMu.Lock()
	defer sess.ExecMu.Unlock()

	sess.NotifyRestart()

	p := sess.Provisioner
	p.Reset()
	cmd := o.launchCmd(b.Kernel, sess.ID)
	cmd, err := p.PreLaunch(ctx, cmd)
	if err != nil {
		return err
	}
	desc, err := p.LaunchKernel(ctx, cmd)
	if err != nil {
		p.Reset()
		return err
	}
	if err := sess.SetPorts(desc.Info); err != nil {
		o.cleanupBackend(ctx, p)
		return err
	}
	client, err := wire.Connect(desc.Info, o.logger)
	if err != nil {
		o.cleanupBackend(ctx, p)
		return err
	}
	sess.Client.Close()
	sess.Client = client
	if o.monitor != nil {
		o.monitor.Track(b.Name, client.HB.Beat)
	}
	o.registry.SetState(b.Name, binding.StateConnected)
	o.logger.Info("backend restarted", "binding", b.Name, "session", sess.ID)
	return nil
}

func (o *Orchestrator) cleanupBackend(ctx context.Context, p provision.Provisioner) {
	if err := p.Cleanup(ctx); err != nil {
		o.logger.Warn("backend cleanup failed", "error", err)
	}
}

// Execute runs code against a binding's backend and returns the relay
// result. Executions on one binding are serialized by the session;
// different bindings run concurrently.
func (o *Orchestrator) Execute(ctx context.Context, name, code string) (*relay.Result, error) {
	sess, err := o.EnsureSession(ctx, name)
	if err != nil {
		return nil, err
	}
	req, err := wire.NewMessage(wire.MsgExecuteRequest, sess.ID, map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	res, err := o.relay.Execute(ctx, sess, req)
	o.registry.SetProgress(name, "", -1)
	if err != nil {
		return nil, err
	}
	// A completed relay is proof of life.
	o.registry.SetState(name, binding.StateConnected)
	if o.monitor != nil {
		o.monitor.MarkAlive(name)
	}
	return res, nil
}

// Interrupt forwards SIGINT to exactly the named binding's backend.
func (o *Orchestrator) Interrupt(ctx context.Context, name string) error {
	o.mu.Lock()
	sess, ok := o.sessions[name]
	o.mu.Unlock()
	if !ok {
		return &errdefs.NotFoundError{Name: name}
	}
	return sess.Provisioner.SendSignal(ctx, syscall.SIGINT)
}

// Upload transfers a local path to the binding's backend. Backends without
// file transfer fail with a CapabilityError.
func (o *Orchestrator) Upload(ctx context.Context, name, localPath, remotePath string, progress archive.ProgressFunc) error {
	sess, err := o.EnsureSession(ctx, name)
	if err != nil {
		return err
	}
	ft, err := o.transferrer(sess, name)
	if err != nil {
		return err
	}
	return ft.Upload(ctx, localPath, remotePath, progress)
}

// Download transfers a path from the binding's backend to the local host.
func (o *Orchestrator) Download(ctx context.Context, name, remotePath, localPath string, progress archive.ProgressFunc) error {
	sess, err := o.EnsureSession(ctx, name)
	if err != nil {
		return err
	}
	ft, err := o.transferrer(sess, name)
	if err != nil {
		return err
	}
	return ft.Download(ctx, remotePath, localPath, progress)
}

func (o *Orchestrator) transferrer(sess *session.Session, name string) (provision.FileTransfer, error) {
	b, err := o.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return provision.Transferrer(sess.Provisioner, string(b.Connection.Type))
}

// Delete removes a binding, tearing down its session first.
func (o *Orchestrator) Delete(ctx context.Context, name string) error {
	return o.registry.Delete(name, func(string) error {
		o.mu.Lock()
		sess, ok := o.sessions[name]
		delete(o.sessions, name)
		delete(o.epochs, name)
		o.mu.Unlock()
		if !ok {
			return nil
		}
		return o.teardown(ctx, name, sess)
	})
}

func (o *Orchestrator) dropSession(ctx context.Context, name string, sess *session.Session) {
	if err := o.teardown(ctx, name, sess); err != nil {
		o.logger.Warn("session teardown failed", "binding", name, "error", err)
	}
	o.registry.SetState(name, binding.StateDisconnected)
}

func (o *Orchestrator) teardown(ctx context.Context, name string, sess *session.Session) error {
	if o.monitor != nil {
		o.monitor.Forget(name)
	}
	return sess.Close(ctx)
}

// Shutdown closes every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	sessions := make(map[string]*session.Session, len(o.sessions))
	for name, sess := range o.sessions {
		sessions[name] = sess
	}
	o.sessions = make(map[string]*session.Session)
	o.mu.Unlock()
	for name, sess := range sessions {
		if err := o.teardown(ctx, name, sess); err != nil {
			o.logger.Warn("shutdown teardown failed", "binding", name, "error", err)
		}
	}
}
