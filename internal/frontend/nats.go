package frontend

import "github.com/nats-io/nats.go"

// ConnConfig holds the NATS connection settings for the sync channel.
type ConnConfig struct {
	URL      string
	User     string
	Password string
}

// Connect dials the NATS server carrying the sync channel. An empty URL
// falls back to the default local server address.
func Connect(cfg ConnConfig) (*nats.Conn, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{nats.Name("kernelbridge")}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return nats.Connect(url, opts...)
}

// Shutdown flushes buffered publishes and closes the connection.
func Shutdown(conn *nats.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Drain()
	conn.Close()
}
