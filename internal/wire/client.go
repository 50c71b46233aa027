package wire

import (
	"log/slog"
	"time"
)

// Client bundles live channel connections to all five of a backend's ports.
type Client struct {
	Info ConnectionInfo

	Shell   *Channel
	IOPub   *Channel
	Stdin   *Channel
	Control *Channel
	HB      *Heartbeat
}

// Connect dials the backend described by info. On any failure the channels
// already opened are closed before returning, so a Client is never
// half-connected.
func Connect(info ConnectionInfo, logger *slog.Logger) (*Client, error) {
	codec, err := NewCodec(info.Key, info.SignatureScheme)
	if err != nil {
		return nil, err
	}
	c := &Client{Info: info}
	for _, role := range []string{RoleShell, RoleIOPub, RoleStdin, RoleControl} {
		addr, err := info.Addr(role)
		if err != nil {
			c.Close()
			return nil, err
		}
		ch, err := DialChannel(role, addr, codec, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		switch role {
		case RoleShell:
			c.Shell = ch
		case RoleIOPub:
			c.IOPub = ch
		case RoleStdin:
			c.Stdin = ch
		case RoleControl:
			c.Control = ch
		}
	}
	hbAddr, err := info.Addr(RoleHB)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.HB = NewHeartbeat(hbAddr, 5*time.Second)
	return c, nil
}

// Close shuts down every open channel.
func (c *Client) Close() {
	for _, ch := range []*Channel{c.Shell, c.IOPub, c.Stdin, c.Control} {
		if ch != nil {
			_ = ch.Close()
		}
	}
	if c.HB != nil {
		c.HB.Close()
	}
}
