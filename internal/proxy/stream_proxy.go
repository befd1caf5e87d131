package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"
)

// State is the lifecycle state of a StreamProxy.
type State int

const (
	NotStarted State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StreamProxy is a path-is-url forwarding proxy: GET /<absolute-url> is
// fetched from the origin and relayed to the client, with the body also
// copied into a ForkedStream from the configured factory.
//
// A StreamProxy can be started and shut down repeatedly. Its methods are
// safe for concurrent use.
type StreamProxy struct {
	cfg     Config
	factory ForkedStreamFactory
	fetcher *Fetcher
	buffers *bufferPool
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	ln         net.Listener
	conns      *connRegistry
	cancel     context.CancelFunc
	acceptDone chan struct{}
	workers    sync.WaitGroup
}

// New returns a StreamProxy that forks bodies into streams from factory. A
// nil factory discards the forked bytes.
func New(factory ForkedStreamFactory, cfg Config) *StreamProxy {
	cfg = cfg.withDefaults()
	if factory == nil {
		factory = DiscardFactory
	}
	return &StreamProxy{
		cfg:     cfg,
		factory: factory,
		fetcher: NewFetcher(cfg),
		buffers: newBufferPool(cfg.BufferSize),
		logger:  cfg.Logger.With("component", "stream_proxy"),
	}
}

// ForkedStreamFactory returns the factory the proxy forks bodies into.
func (s *StreamProxy) ForkedStreamFactory() ForkedStreamFactory {
	return s.factory
}

// State returns the current lifecycle state.
func (s *StreamProxy) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start listens on an OS-assigned port and starts accepting connections.
func (s *StreamProxy) Start() error {
	return s.StartPort(0)
}

// StartPort listens on port (0 picks an ephemeral port) and starts the
// accept loop. Bind failures are reported as ErrProxyNotStarted. Starting a
// running proxy also fails with ErrProxyNotStarted and leaves the running
// listener untouched.
func (s *StreamProxy) StartPort(port int) error {
	ln, err := ListenTCP(s.cfg.Host, port, s.cfg.KeepAlive)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProxyNotStarted, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		_ = ln.Close()
		return fmt.Errorf("%w: %w: already running on port %d", ErrProxyNotStarted, ErrIllegalState, listenerPort(s.ln))
	}

	ctx, cancel := context.WithCancel(context.Background())
	conns := newConnRegistry()
	done := make(chan struct{})

	s.ln = ln
	s.conns = conns
	s.cancel = cancel
	s.acceptDone = done
	s.state = Running

	go func() {
		defer close(done)
		s.acceptLoop(ctx, ln, conns)
	}()

	s.logger.Info("proxy started", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound local port. It fails with ErrIllegalState unless
// the proxy is running.
func (s *StreamProxy) Port() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return 0, fmt.Errorf("%w: proxy must be started before obtaining port number", ErrIllegalState)
	}
	return listenerPort(s.ln), nil
}

// Run blocks until the accept loop started by Start has terminated. It
// fails with ErrIllegalState if the proxy is not running.
func (s *StreamProxy) Run() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return fmt.Errorf("%w: proxy must be started first", ErrIllegalState)
	}
	done := s.acceptDone
	s.mu.Unlock()

	<-done
	return nil
}

// Shutdown stops accepting, force-closes every client connection and waits
// for the accept loop and all workers to exit. It fails with ErrIllegalState
// if the proxy was never started and is a no-op once stopped.
func (s *StreamProxy) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case NotStarted:
		return fmt.Errorf("%w: cannot shutdown proxy, it has not been started", ErrIllegalState)
	case Stopped:
		return nil
	}

	port := listenerPort(s.ln)

	s.cancel()
	closed := s.conns.closeAll()
	_ = s.ln.Close()
	<-s.acceptDone
	s.workers.Wait()
	s.fetcher.CloseIdleConnections()

	s.ln = nil
	s.state = Stopped

	s.logger.Info("proxy stopped", "port", port, "connections_closed", closed)
	return nil
}

// ActiveConnections returns the number of connections being served.
func (s *StreamProxy) ActiveConnections() int {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()

	if conns == nil {
		return 0
	}
	return conns.len()
}

func (s *StreamProxy) acceptLoop(ctx context.Context, ln net.Listener, conns *connRegistry) {
	var tempDelay time.Duration
	for {
		if stop := s.acceptOne(ctx, ln, conns, &tempDelay); stop {
			return
		}
	}
}

// acceptOne accepts and dispatches a single connection. It reports whether
// the loop should stop. Accept errors back off like net/http's Server.
func (s *StreamProxy) acceptOne(ctx context.Context, ln net.Listener, conns *connRegistry, tempDelay *time.Duration) (stop bool) {
	defer s.recoverFault("accept loop")

	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		if errors.Is(err, net.ErrClosed) {
			s.logger.Error("listener closed outside shutdown", "err", err)
			return true
		}

		if *tempDelay == 0 {
			*tempDelay = 5 * time.Millisecond
		} else {
			*tempDelay = min(*tempDelay*2, time.Second)
		}
		s.logger.Warn("accept error; retrying", "err", err, "delay", *tempDelay)

		t := time.NewTimer(*tempDelay)
		defer t.Stop()
		select {
		case <-t.C:
			return false
		case <-ctx.Done():
			return true
		}
	}
	*tempDelay = 0

	s.cfg.Metrics.connAccepted()
	if !conns.add(c) {
		// Shutdown won the race for this connection.
		_ = c.Close()
		s.cfg.Metrics.connDone()
		return true
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer s.cfg.Metrics.connDone()
		defer conns.remove(c)
		defer c.Close()
		defer s.recoverFault("connection")

		s.serveConn(ctx, c)
	}()

	return false
}

// serveConn runs validate → fetch → relay for one client connection.
func (s *StreamProxy) serveConn(ctx context.Context, c net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := s.logger.With("remote", c.RemoteAddr().String())

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(io.LimitReader(c, int64(s.cfg.MaxHeaderBytes)))
	req, err := ReadRequest(br)
	if err != nil {
		if errors.Is(err, errNoRequest) {
			logger.Debug("client closed connection without a request")
			return
		}
		s.cfg.Metrics.rejected(rejectReason(err))
		s.connError(logger, "rejecting request", err)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	logger = logger.With("target", req.Target)

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		s.connError(logger, "upstream fetch failed", err)
		return
	}

	// relay owns the body once it starts; until then it is closed here.
	relaying := false
	defer func() {
		if !relaying {
			_ = resp.Body.Close()
		}
	}()

	fs, err := s.factory.CreateForkedStream(ParseQuery(req.Target))
	if err != nil {
		s.connError(logger, "creating forked stream failed", err)
		return
	}

	buf := s.buffers.get()
	defer s.buffers.put(buf)

	relaying = true
	res, err := relay(ctx, c, resp, fs, *buf)

	outcome := outcomeClosed
	switch {
	case res.cancelled:
		outcome = outcomeCancelled
	case res.state == forkAborted:
		outcome = outcomeAborted
	}
	s.cfg.Metrics.relayed(outcome, res.bytes)

	if err != nil {
		s.connError(logger, "relay failed", err, "bytes", res.bytes, "forked_stream", res.state.String())
		return
	}
	logger.Debug("relay finished", "status", resp.StatusCode, "bytes", res.bytes, "outcome", outcome)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedRequest):
		return "unsupported_method"
	case errors.Is(err, ErrMalformedRequest):
		return "malformed"
	default:
		return "read_error"
	}
}

// connError logs a per-connection failure. A client that simply went away is
// only interesting in verbose mode.
func (s *StreamProxy) connError(logger *slog.Logger, msg string, err error, args ...any) {
	args = append(args, "err", err)
	switch {
	case !isClientGone(err):
		logger.Warn(msg, args...)
	case s.cfg.Verbose:
		logger.Info(msg, args...)
	default:
		logger.Debug(msg, args...)
	}
}

func (s *StreamProxy) recoverFault(where string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("panic in %s: %v\n%s", where, r, debug.Stack())
	if s.cfg.FaultHandler != nil {
		s.cfg.FaultHandler(err)
		return
	}
	s.logger.Error("uncaught fault", "err", err)
}
