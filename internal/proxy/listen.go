package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenTCP listens on host:port and returns a net.Listener that applies
// keepAliveConfig to accepted TCP connections. SO_REUSEADDR is requested only
// for a fixed port; port 0 asks the OS for an ephemeral one.
func ListenTCP(host string, port int, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}
	if port != 0 {
		lc.Control = reuseAddrControl
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}

// listenerPort returns the bound TCP port of ln, or 0 if it is not a TCP listener.
func listenerPort(ln net.Listener) int {
	if ta, ok := ln.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}
