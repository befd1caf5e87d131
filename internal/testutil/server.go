// Package testutil has loopback helpers shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

func listenLoopback(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

// StartEchoTCPServer accepts one connection, echoes its first read back and
// hangs up. The listener is closed when the test ends.
func StartEchoTCPServer(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	ln, wait := StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 1024)
		if n, err := c.Read(buf); err == nil {
			_, _ = c.Write(buf[:n])
		}
	})
	t.Cleanup(wait)
	return ln
}

// StartSingleAcceptServer hands the first accepted connection to handler.
// The returned func closes the listener and waits for handler to return.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	ln := listenLoopback(t, ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	})

	var once sync.Once
	return ln, func() {
		once.Do(func() {
			_ = ln.Close()
			wg.Wait()
		})
	}
}

// AssertEcho writes msg to w and expects the same bytes back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo: got %q, want %q", got, msg)
	}
}
