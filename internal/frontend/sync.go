// Package frontend pushes binding state to connected front-ends over NATS
// and answers their state-restore queries. Events are ephemeral by nature,
// so this rides core NATS subjects rather than a stream.
package frontend

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"kernelbridge/internal/binding"
)

// Subjects of the sync channel.
const (
	SubjectUpdate = "kernelbridge.bindings.update"
	SubjectRemove = "kernelbridge.bindings.remove"
	SubjectList   = "kernelbridge.bindings.list"
)

// Event kinds carried in the payload.
const (
	EventUpdate    = "binding_update"
	EventRemove    = "binding_remove"
	EventListReply = "binding_list_reply"
)

// Event is the sync channel's wire format.
type Event struct {
	Event    string            `json:"event"`
	Binding  *binding.Binding  `json:"binding,omitempty"`
	Bindings []binding.Binding `json:"bindings,omitempty"`
}

// Bus is the messaging surface Sync needs; *nats.Conn satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

type Config struct {
	Bus      Bus
	Registry *binding.Registry
	Logger   *slog.Logger
}

type Sync struct {
	bus      Bus
	registry *binding.Registry
	logger   *slog.Logger
	sub      *nats.Subscription
}

func NewSync(cfg Config) *Sync {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{bus: cfg.Bus, registry: cfg.Registry, logger: logger}
}

// Start subscribes to registry events and serves list requests so a
// reconnecting front-end can restore previously-configured bindings.
func (s *Sync) Start() error {
	s.registry.OnUpdate(func(b binding.Binding) {
		s.publish(SubjectUpdate, Event{Event: EventUpdate, Binding: &b})
	})
	s.registry.OnRemove(func(b binding.Binding) {
		s.publish(SubjectRemove, Event{Event: EventRemove, Binding: &b})
	})
	sub, err := s.bus.Subscribe(SubjectList, func(msg *nats.Msg) {
		if msg.Reply == "" {
			s.logger.Warn("list request without reply subject")
			return
		}
		s.publish(msg.Reply, Event{Event: EventListReply, Bindings: s.registry.List()})
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Sync) publish(subject string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("encoding sync event failed", "event", ev.Event, "error", err)
		return
	}
	if err := s.bus.Publish(subject, payload); err != nil {
		s.logger.Warn("sync publish failed", "subject", subject, "error", err)
	}
}

// Close drops the list subscription. Registry callbacks stay registered
// but publish into a closed connection harmlessly.
func (s *Sync) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}
