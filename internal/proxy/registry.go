package proxy

import (
	"net"
	"sync"
)

// connRegistry tracks open client connections so shutdown can force-close
// them. Once closed it refuses new connections.
type connRegistry struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[net.Conn]struct{})}
}

// add registers c. It returns false if the registry has been closed, in
// which case the caller owns c and must close it.
func (r *connRegistry) add(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *connRegistry) remove(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

func (r *connRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// closeAll marks the registry closed and closes every registered connection.
// Connections are closed outside the lock from a snapshot.
func (r *connRegistry) closeAll() int {
	r.mu.Lock()
	r.closed = true
	snapshot := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		snapshot = append(snapshot, c)
	}
	clear(r.conns)
	r.mu.Unlock()

	for _, c := range snapshot {
		_ = c.Close()
	}
	return len(snapshot)
}
