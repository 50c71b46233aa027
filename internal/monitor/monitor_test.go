package monitor

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(clock *fakeClock, onDisconnect func(string)) *Monitor {
	return New(Config{
		Window:       60 * time.Second,
		Now:          clock.now,
		OnDisconnect: onDisconnect,
	})
}

func TestMissInsideWindowDoesNotFlip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var flipped []string
	m := newTestMonitor(clock, func(name string) { flipped = append(flipped, name) })

	m.Track("b1", func() error { return errors.New("timeout") })
	clock.advance(30 * time.Second)
	m.sample()
	if len(flipped) != 0 {
		t.Fatalf("flipped at 30s inside 60s window: %v", flipped)
	}
}

func TestGapBeyondWindowFlipsOnce(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var flipped []string
	m := newTestMonitor(clock, func(name string) { flipped = append(flipped, name) })

	m.Track("b1", func() error { return errors.New("timeout") })
	clock.advance(65 * time.Second)
	m.sample()
	if len(flipped) != 1 || flipped[0] != "b1" {
		t.Fatalf("flipped = %v, want one b1", flipped)
	}
	// Still down: no second notification.
	clock.advance(10 * time.Second)
	m.sample()
	if len(flipped) != 1 {
		t.Fatalf("repeated notification for the same outage: %v", flipped)
	}
}

func TestSuccessfulBeatResetsWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var flipped []string
	m := newTestMonitor(clock, func(name string) { flipped = append(flipped, name) })

	fail := false
	m.Track("b1", func() error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	})
	clock.advance(50 * time.Second)
	m.sample() // success refreshes lastOK
	fail = true
	clock.advance(50 * time.Second)
	m.sample() // only 50s since last success
	if len(flipped) != 0 {
		t.Fatalf("flipped despite recent success: %v", flipped)
	}
	clock.advance(20 * time.Second)
	m.sample() // now 70s
	if len(flipped) != 1 {
		t.Fatalf("did not flip after window: %v", flipped)
	}
}

func TestMarkAliveClearsOutage(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	var flips int
	m := newTestMonitor(clock, func(string) { flips++ })

	m.Track("b1", func() error { return errors.New("down") })
	clock.advance(65 * time.Second)
	m.sample()
	if flips != 1 {
		t.Fatalf("flips = %d", flips)
	}
	m.MarkAlive("b1")
	clock.advance(65 * time.Second)
	m.sample()
	if flips != 2 {
		t.Fatalf("new outage after MarkAlive not reported, flips = %d", flips)
	}
}

func TestForgetStopsProbing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	probes := 0
	m := newTestMonitor(clock, nil)
	m.Track("b1", func() error { probes++; return nil })
	m.sample()
	m.Forget("b1")
	m.sample()
	if probes != 1 {
		t.Fatalf("probes = %d, want 1", probes)
	}
}
