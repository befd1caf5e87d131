package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/die-net/streamproxy/internal/dialer"
)

const (
	// DefaultBufferSize is the relay chunk size.
	DefaultBufferSize = 64 * 1024

	// DefaultMaxHeaderBytes caps the request line plus header block.
	DefaultMaxHeaderBytes = 64 * 1024
)

type Config struct {
	// Host is the listen address; empty listens on all interfaces.
	Host string

	// NegotiationTimeout bounds reading the request head. Zero disables it.
	// Streaming itself never times out.
	NegotiationTimeout time.Duration

	MaxHeaderBytes int
	BufferSize     int

	KeepAlive net.KeepAliveConfig

	// Upstream is how origin servers are reached. The zero value dials
	// directly.
	Upstream dialer.Route

	Logger  *slog.Logger
	Metrics *Metrics

	// FaultHandler receives panics recovered in the accept loop and workers.
	// Nil logs them.
	FaultHandler func(error)

	// Verbose logs per-connection failures at warn instead of debug.
	Verbose bool
}

func (c Config) withDefaults() Config {
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Upstream.Dialer == nil {
		c.Upstream = dialer.Direct(dialer.Config{KeepAlive: c.KeepAlive})
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
