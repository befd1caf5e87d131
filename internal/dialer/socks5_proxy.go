package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
}

// NewSOCKS5ProxyDialer constructs a dialer for the SOCKS5 proxy at proxyAddr.
// Username/password authentication is offered when username is non-empty.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, username: username, password: password}
}

// DialContext connects to address via the SOCKS5 proxy. The SOCKS5 client
// has no context support, so cancellation abandons the in-progress dial and
// closes its connection once it completes.
func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	timeout := d.cfg.DialTimeout
	if d.cfg.NegotiationTimeout > timeout {
		timeout = d.cfg.NegotiationTimeout
	}
	tcpTimeout := 0
	if timeout > 0 {
		tcpTimeout = max(int(timeout.Seconds()), 1)
	}

	client, err := socks5.NewClient(d.proxyAddr, d.username, d.password, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy init: %w", err)
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := client.Dial("tcp", address)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}
}
