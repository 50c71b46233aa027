package binding

import (
	"log/slog"
	"sort"
	"sync"

	"kernelbridge/internal/errdefs"
)

// UpdateFunc observes binding creation and mutation.
type UpdateFunc func(Binding)

// RemoveFunc observes binding deletion.
type RemoveFunc func(Binding)

// Teardown runs before a binding is removed from the registry; it is the
// hook the orchestrator uses to destroy the binding's session. Delete only
// completes once teardown returns nil.
type Teardown func(name string) error

// Registry is the named-target catalog. It is the single owner of all
// Binding values; callers receive copies and mutate through Set and the
// state helpers, every one of which notifies update subscribers in
// registration order.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	bindings  map[string]*Binding
	onUpdate  []UpdateFunc
	onRemove  []RemoveFunc
	connEpoch map[string]uint64
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		bindings:  make(map[string]*Binding),
		connEpoch: make(map[string]uint64),
	}
}

// OnUpdate registers an update subscriber. Subscribers are invoked
// synchronously, in registration order, outside the registry lock.
func (r *Registry) OnUpdate(fn UpdateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = append(r.onUpdate, fn)
}

// OnRemove registers a removal subscriber.
func (r *Registry) OnRemove(fn RemoveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// SetOptions overlays non-zero fields onto an existing binding, or seeds a
// new one.
type SetOptions struct {
	Kernel     string
	Connection *Connection
}

// Set upserts a binding. A new binding starts disconnected with the default
// kernel; an existing one has only the supplied fields overlaid. Changing
// the connection bumps the binding's connection epoch, which invalidates
// any cached values derived from the old connection.
func (r *Registry) Set(name string, opts SetOptions) (Binding, error) {
	if opts.Connection != nil {
		if err := opts.Connection.Validate(); err != nil {
			return Binding{}, err
		}
	}
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		b = &Binding{
			Name:     name,
			Kernel:   DefaultKernel,
			State:    StateDisconnected,
			Progress: Progress{Ratio: -1},
		}
		r.bindings[name] = b
	}
	if opts.Kernel != "" {
		b.Kernel = opts.Kernel
	}
	if opts.Connection != nil {
		if *opts.Connection != b.Connection {
			r.connEpoch[name]++
		}
		b.Connection = *opts.Connection
	}
	out := b.Clone()
	r.mu.Unlock()
	r.notifyUpdate(out)
	return out, nil
}

// Get returns a copy of the named binding.
func (r *Registry) Get(name string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[name]
	if !ok {
		return Binding{}, &errdefs.NotFoundError{Name: name}
	}
	return b.Clone(), nil
}

// List returns copies of all bindings, sorted by name.
func (r *Registry) List() []Binding {
	r.mu.Lock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete tears down the binding's session (via the supplied teardown hook)
// before removing it, then notifies removal subscribers. A teardown failure
// leaves the binding in place.
func (r *Registry) Delete(name string, teardown Teardown) error {
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		r.mu.Unlock()
		return &errdefs.NotFoundError{Name: name}
	}
	out := b.Clone()
	r.mu.Unlock()

	if teardown != nil {
		if err := teardown(name); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.bindings, name)
	delete(r.connEpoch, name)
	r.mu.Unlock()
	r.notifyRemove(out)
	return nil
}

// SetState transitions a binding's lifecycle state and notifies
// subscribers.
func (r *Registry) SetState(name string, state State) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	if b.State == state {
		r.mu.Unlock()
		return
	}
	b.State = state
	out := b.Clone()
	r.mu.Unlock()
	r.logger.Debug("binding state", "binding", name, "state", state)
	r.notifyUpdate(out)
}

// SetProgress updates the binding's progress text. ratio < 0 means unknown.
func (r *Registry) SetProgress(name, message string, ratio float64) {
	r.mu.Lock()
	b, ok := r.bindings[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	b.Progress = Progress{Message: message, Ratio: ratio}
	out := b.Clone()
	r.mu.Unlock()
	r.notifyUpdate(out)
}

// ConnEpoch returns the binding's connection epoch. Consumers that cache
// values derived from the connection (e.g. resolved remote paths) compare
// epochs to notice invalidation.
func (r *Registry) ConnEpoch(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connEpoch[name]
}

func (r *Registry) notifyUpdate(b Binding) {
	r.mu.Lock()
	subs := make([]UpdateFunc, len(r.onUpdate))
	copy(subs, r.onUpdate)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(b)
	}
}

func (r *Registry) notifyRemove(b Binding) {
	r.mu.Lock()
	subs := make([]RemoveFunc, len(r.onRemove))
	copy(subs, r.onRemove)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(b)
	}
}
