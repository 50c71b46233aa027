package wire

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"time"

	"kernelbridge/internal/errdefs"
)

const (
	dialTimeout = 10 * time.Second

	// Subscriber queue depth. A subscriber that stalls for this many
	// messages loses the newest traffic rather than blocking the channel's
	// read loop.
	subscriberBuffer = 256

	maxFrameBytes = 4 * 1024 * 1024
)

// Channel is a client for one logical kernel port. Incoming frames fan out
// to every live subscription in registration order, which keeps
// multi-subscriber behavior deterministic. Outgoing frames are looped back
// to local subscribers too, so an observer sees the channel's full traffic
// including its own sends.
type Channel struct {
	role   string
	conn   net.Conn
	codec  *Codec
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*Subscription
	closed bool

	writeMu sync.Mutex
}

// Subscription is one ephemeral listener on a channel.
type Subscription struct {
	channel *Channel

	// mu guards ch against a concurrent close: dispatch sends and Cancel
	// closes under the same lock, so a cancel landing mid-fan-out can
	// never hit a closed channel.
	mu      sync.Mutex
	ch      chan *Message
	done    bool
	dropped int
}

// C is the stream of messages observed on the channel.
func (s *Subscription) C() <-chan *Message { return s.ch }

// Cancel detaches the subscription. Safe to call twice; the message channel
// is closed so pending readers drain out.
func (s *Subscription) Cancel() {
	c := s.channel
	c.mu.Lock()
	for i, sub := range c.subs {
		if sub == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	s.finish()
}

// deliver hands one message to the subscriber without ever blocking the
// caller. Messages arriving after cancellation are dropped silently. The
// return value is the cumulative lag-drop count, zero when delivered.
func (s *Subscription) deliver(msg *Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0
	}
	select {
	case s.ch <- msg:
		return 0
	default:
		s.dropped++
		return s.dropped
	}
}

// finish closes the message channel exactly once.
func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// DialChannel connects to one logical port and starts its read loop.
func DialChannel(role, addr string, codec *Codec, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, &errdefs.ConnectionError{Host: addr, Err: err}
	}
	c := &Channel{role: role, conn: conn, codec: codec, logger: logger}
	go c.readLoop()
	return c, nil
}

// Subscribe attaches a new listener. Messages observed before Subscribe are
// not replayed.
func (c *Channel) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan *Message, subscriberBuffer), channel: c}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.finish()
		return sub
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Send signs and writes one frame, then loops it back to subscribers.
func (c *Channel) Send(m *Message) error {
	line, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return &errdefs.ConnectionError{Host: c.conn.RemoteAddr().String(), Err: err}
	}
	c.dispatch(m)
	return nil
}

// Close tears down the connection; subscriber channels close once the read
// loop notices.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		msg, err := c.codec.Decode(scanner.Bytes())
		if err != nil {
			// A bad frame poisons one message, not the channel.
			c.logger.Warn("dropping message", "channel", c.role, "err", err)
			continue
		}
		c.dispatch(msg)
	}
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.finish()
	}
}

func (c *Channel) dispatch(msg *Message) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, sub := range subs {
		if dropped := sub.deliver(msg); dropped > 0 {
			c.logger.Warn("subscriber lagging, message dropped",
				"channel", c.role, "dropped", dropped)
		}
	}
}
