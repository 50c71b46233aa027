// Package relay executes one request against a session and republishes the
// backend's traffic to the front-end. Completion requires both the
// backend's idle status signal on the output stream and the reply on the
// shell stream, because the two travel on independent connections and
// either can land first.
package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"kernelbridge/internal/errdefs"
	"kernelbridge/internal/session"
	"kernelbridge/internal/wire"
)

// Comms receives the republished traffic. The concrete front-end decides
// what to do with it.
type Comms interface {
	PublishOutput(m *wire.Message)
	PublishReply(m *wire.Message)
}

// NopComms drops everything. Useful for callers that only want the reply.
type NopComms struct{}

func (NopComms) PublishOutput(*wire.Message) {}
func (NopComms) PublishReply(*wire.Message)  {}

// Result is one execution's outcome.
type Result struct {
	// Reply is the parent-correlated reply captured for the request.
	Reply *wire.Message
	// Status is the reply's declared status ("ok", "error", ...).
	Status string
}

// Aborted reports whether a stop-on-error caller should drain its pending
// queue.
func (r *Result) Aborted(stopOnError bool) bool {
	return stopOnError && r.Status == "error"
}

type Config struct {
	Comms  Comms
	Logger *slog.Logger
	// PollInterval bounds how long a cancellation can go unnoticed.
	PollInterval time.Duration
	// MaxWait bounds the whole execution. Zero waits forever, which is
	// the default.
	MaxWait time.Duration
}

type Relay struct {
	comms Comms
	log   *slog.Logger
	poll  time.Duration
	max   time.Duration
}

func New(cfg Config) *Relay {
	comms := cfg.Comms
	if comms == nil {
		comms = NopComms{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Relay{comms: comms, log: logger, poll: poll, max: cfg.MaxWait}
}

type replyContent struct {
	Status string `json:"status"`
}

// Execute sends request on the session's shell channel and pumps traffic
// until the backend reports idle for it and the reply has been captured.
// Both listeners are ephemeral and
// are dropped on every exit path, so nothing leaks into the next
// execution. Cancel by ctx; an interrupt delivered to the backend
// surfaces here as the idle signal of the aborted execution.
func (r *Relay) Execute(ctx context.Context, sess *session.Session, request *wire.Message) (*Result, error) {
	sess.ExecMu.Lock()
	defer sess.ExecMu.Unlock()

	iopub := sess.Client.IOPub.Subscribe()
	defer iopub.Cancel()
	shell := sess.Client.Shell.Subscribe()
	defer shell.Cancel()

	if err := sess.Client.Shell.Send(request); err != nil {
		return nil, err
	}
	r.log.Debug("request sent", "binding", sess.BindingName, "msg_id", request.Header.MsgID)

	var deadline <-chan time.Time
	if r.max > 0 {
		timer := time.NewTimer(r.max)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	res := &Result{}
	idle := false
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, &errdefs.TimeoutError{Op: "execute on " + sess.BindingName, After: r.max}
		case m, ok := <-iopub.C():
			if !ok {
				return nil, &errdefs.ProtocolError{Reason: "output channel closed mid-execution"}
			}
			r.comms.PublishOutput(m)
			if m.Header.MsgType == wire.MsgStatus && m.ParentID() == request.Header.MsgID {
				var st struct {
					ExecutionState string `json:"execution_state"`
				}
				if err := m.DecodeContent(&st); err == nil && st.ExecutionState == wire.StateIdle {
					idle = true
				}
			}
		case m, ok := <-shell.C():
			if !ok {
				return nil, &errdefs.ProtocolError{Reason: "shell channel closed mid-execution"}
			}
			// The channel loops our own send back; that echo is ours
			// alone, not front-end traffic.
			if m.Header.MsgID == request.Header.MsgID {
				continue
			}
			r.comms.PublishReply(m)
			if m.ParentID() == request.Header.MsgID && isReplyType(m.Header.MsgType) {
				res.Reply = m
				var rc replyContent
				if err := m.DecodeContent(&rc); err == nil {
					res.Status = rc.Status
				}
			}
		case <-ticker.C:
			// Nothing to drain; fall through to the idle check so a
			// cancellation or completion is noticed within one interval.
		}
		// Idle and the reply arrive on separate connections, so either
		// can be observed first. Wait for both.
		if idle && res.Reply != nil {
			r.log.Debug("execution idle", "binding", sess.BindingName,
				"msg_id", request.Header.MsgID, "status", res.Status)
			return res, nil
		}
	}
}

func isReplyType(msgType string) bool {
	return strings.HasSuffix(msgType, "_reply")
}
