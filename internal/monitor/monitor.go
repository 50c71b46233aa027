// Package monitor watches backend liveness. Each tracked session is probed
// on a fixed tick; what matters is the monotonic time since the last
// successful beat, not how many probes failed, so a single slow beat inside
// the debounce window never flips a binding.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultTick   = 5 * time.Second
	DefaultWindow = 60 * time.Second
)

type Config struct {
	// Tick is the sampling interval.
	Tick time.Duration
	// Window is the debounce: a binding disconnects only once this much
	// time passed without a successful beat.
	Window time.Duration
	// Now is swapped in tests.
	Now    func() time.Time
	Logger *slog.Logger

	// OnDisconnect fires once per outage, when the window is exceeded.
	OnDisconnect func(name string)
}

type entry struct {
	beat   func() error
	lastOK time.Time
	down   bool
}

type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg Config) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, logger: logger, entries: make(map[string]*entry)}
}

// Track starts probing a binding's backend through beat. The binding is
// considered alive as of now.
func (m *Monitor) Track(name string, beat func() error) {
	m.mu.Lock()
	m.entries[name] = &entry{beat: beat, lastOK: m.cfg.Now()}
	m.mu.Unlock()
}

// Forget stops probing a binding.
func (m *Monitor) Forget(name string) {
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
}

// MarkAlive records out-of-band proof of life, e.g. a successful relay.
func (m *Monitor) MarkAlive(name string) {
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.lastOK = m.cfg.Now()
		e.down = false
	}
	m.mu.Unlock()
}

// Run samples on the configured tick until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample probes every tracked backend once.
func (m *Monitor) sample() {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	beats := make([]func() error, 0, len(m.entries))
	for name, e := range m.entries {
		names = append(names, name)
		beats = append(beats, e.beat)
	}
	m.mu.Unlock()

	// Beats go over the network; probe outside the lock.
	for i, name := range names {
		err := beats[i]()
		now := m.cfg.Now()

		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			continue
		}
		var fire bool
		if err == nil {
			e.lastOK = now
			e.down = false
		} else if !e.down && now.Sub(e.lastOK) > m.cfg.Window {
			e.down = true
			fire = true
		}
		m.mu.Unlock()

		if err != nil {
			m.logger.Debug("heartbeat miss", "binding", name, "error", err)
		}
		if fire {
			m.logger.Warn("backend unresponsive", "binding", name, "window", m.cfg.Window)
			if m.cfg.OnDisconnect != nil {
				m.cfg.OnDisconnect(name)
			}
		}
	}
}
