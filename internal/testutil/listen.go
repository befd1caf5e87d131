package testutil

import (
	"net"
	"strconv"
	"testing"
	"time"
)

// IsListening reports whether something accepts TCP connections on
// 127.0.0.1:port.
func IsListening(t *testing.T, port int) bool {
	t.Helper()

	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
