package syncer

import (
	"context"
	"net"
	"time"
)

// Prober answers whether the device currently has a usable uplink.
type Prober interface {
	Online(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Online(ctx context.Context) bool { return f(ctx) }

// TCPProber dials a well-known address with a bounded timeout.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

// NewTCPProber defaults to a public DNS resolver and a 3 second timeout.
func NewTCPProber(addr string, timeout time.Duration) TCPProber {
	if addr == "" {
		addr = "8.8.8.8:53"
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return TCPProber{Addr: addr, Timeout: timeout}
}

func (p TCPProber) Online(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
