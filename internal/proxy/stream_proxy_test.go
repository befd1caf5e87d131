package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/streamproxy/internal/testutil"
)

func quietConfig() Config {
	return Config{
		Host:               "127.0.0.1",
		NegotiationTimeout: 5 * time.Second,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func startProxy(t *testing.T, factory ForkedStreamFactory, cfg Config) (*StreamProxy, int) {
	t.Helper()

	p := New(factory, cfg)
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Shutdown() })

	port, err := p.Port()
	if err != nil {
		t.Fatal(err)
	}
	return p, port
}

func dialProxy(t *testing.T, port int) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	return c
}

// rawGet sends a path-is-url request for target and returns everything the
// proxy wrote before closing the connection.
func rawGet(port int, target string, header ...string) (string, error) {
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	if err != nil {
		return "", err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))

	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.1\r\nHost: 127.0.0.1\r\n", target)
	for _, h := range header {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(c, b.String()); err != nil {
		return "", err
	}

	out, err := io.ReadAll(c)
	return string(out), err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func helloOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Hello")
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestStartListensOnEphemeralPort(t *testing.T) {
	p, port := startProxy(t, nil, quietConfig())

	if port <= 0 {
		t.Fatalf("port = %d", port)
	}
	if p.State() != Running {
		t.Fatalf("state = %v", p.State())
	}
	if !testutil.IsListening(t, port) {
		t.Fatal("proxy is not listening")
	}

	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if p.State() != Stopped {
		t.Fatalf("state = %v", p.State())
	}
	if testutil.IsListening(t, port) {
		t.Fatal("proxy still listening after shutdown")
	}
}

func TestStartAtFixedPort(t *testing.T) {
	port := testutil.FreePort(t)

	p := New(nil, quietConfig())
	if err := p.StartPort(port); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	got, err := p.Port()
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Fatalf("Port() = %d, want %d", got, port)
	}
	if !testutil.IsListening(t, port) {
		t.Fatal("proxy is not listening")
	}
}

func TestStartOnBusyPort(t *testing.T) {
	port := testutil.FreePort(t)

	first := New(nil, quietConfig())
	if err := first.StartPort(port); err != nil {
		t.Fatal(err)
	}
	defer first.Shutdown()

	second := New(nil, quietConfig())
	err := second.StartPort(port)
	if !errors.Is(err, ErrProxyNotStarted) {
		t.Fatalf("StartPort on busy port: %v", err)
	}
	if second.State() != NotStarted {
		t.Fatalf("state = %v", second.State())
	}
	if err := second.Shutdown(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Shutdown after failed start: %v", err)
	}
}

func TestStartWhileRunning(t *testing.T) {
	p, port := startProxy(t, nil, quietConfig())

	err := p.Start()
	if !errors.Is(err, ErrProxyNotStarted) || !errors.Is(err, ErrIllegalState) {
		t.Fatalf("second Start: %v", err)
	}

	got, err := p.Port()
	if err != nil {
		t.Fatal(err)
	}
	if got != port {
		t.Fatalf("Port() changed from %d to %d", port, got)
	}
	if !testutil.IsListening(t, port) {
		t.Fatal("running listener was disturbed")
	}
}

func TestNotStarted(t *testing.T) {
	p := New(nil, quietConfig())

	if p.State() != NotStarted {
		t.Fatalf("state = %v", p.State())
	}
	if _, err := p.Port(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Port: %v", err)
	}
	if err := p.Run(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Run: %v", err)
	}
	if err := p.Shutdown(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Shutdown: %v", err)
	}
	if p.ActiveConnections() != 0 {
		t.Fatalf("ActiveConnections = %d", p.ActiveConnections())
	}
}

func TestShutdownTwice(t *testing.T) {
	p, _ := startProxy(t, nil, quietConfig())

	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := p.Port(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Port after shutdown: %v", err)
	}
}

func TestRestart(t *testing.T) {
	origin := helloOrigin(t)
	p := New(nil, quietConfig())

	for i := range 5 {
		if err := p.Start(); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		port, err := p.Port()
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}

		out, err := rawGet(port, origin.URL+"/")
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if !strings.HasSuffix(out, "\r\n\r\nHello") {
			t.Fatalf("cycle %d: response %q", i, out)
		}

		if err := p.Shutdown(); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if testutil.IsListening(t, port) {
			t.Fatalf("cycle %d: still listening", i)
		}
	}
}

func TestRunReturnsAfterShutdown(t *testing.T) {
	p, _ := startProxy(t, nil, quietConfig())

	var g errgroup.Group
	g.Go(p.Run)

	time.Sleep(20 * time.Millisecond)
	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRelayHello(t *testing.T) {
	origin := helloOrigin(t)
	factory := newRecordingFactory()
	_, port := startProxy(t, factory, quietConfig())

	out, err := rawGet(port, origin.URL+"/song.mp3?id=a")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}
	if !strings.Contains(out, "\r\nContent-Length: 5\r\n") {
		t.Fatalf("missing Content-Length: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nHello") {
		t.Fatalf("body: %q", out)
	}

	rs := factory.next(t)
	rs.wait(t)
	if got := string(rs.bytes()); got != "Hello" {
		t.Fatalf("forked bytes = %q", got)
	}
	closes, aborts, late := rs.counts()
	if closes != 1 || aborts != 0 || late != 0 {
		t.Fatalf("closes=%d aborts=%d lateWrites=%d", closes, aborts, late)
	}
}

func TestRelayForwardsHeadersAndQuery(t *testing.T) {
	got := make(chan http.Header, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.Header().Set("Icy-Name", "test radio")
		_, _ = io.WriteString(w, "ok")
	}))
	defer origin.Close()

	factory := newRecordingFactory()
	_, port := startProxy(t, factory, quietConfig())

	out, err := rawGet(port, origin.URL+"/stream?artist=Daft%20Punk&track=One+More+Time&id=q",
		"User-Agent: player/1.0",
		"X-Test: a",
		"X-Test: b",
	)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "\r\nIcy-Name: test radio\r\n") {
		t.Fatalf("origin header not relayed: %q", out)
	}

	h := <-got
	if ua := h.Get("User-Agent"); ua != "player/1.0" {
		t.Fatalf("User-Agent = %q", ua)
	}
	if v := h.Values("X-Test"); len(v) != 2 || v[0] != "a" || v[1] != "b" {
		t.Fatalf("X-Test = %q", v)
	}
	if ae := h.Get("Accept-Encoding"); ae != "" {
		t.Fatalf("Accept-Encoding added: %q", ae)
	}

	rs := factory.next(t)
	rs.wait(t)
	q := factory.queries[0]
	if q.Get("artist") != "Daft Punk" || q.Get("track") != "One More Time" {
		t.Fatalf("query = %v", q.Map())
	}
}

func TestRelayConcurrentClients(t *testing.T) {
	const clients = 5

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := strings.Repeat("body-"+r.URL.Query().Get("id")+";", 2000)
		_, _ = io.WriteString(w, body)
	}))
	defer origin.Close()

	factory := newRecordingFactory()
	cfg := quietConfig()
	cfg.BufferSize = 1024
	_, port := startProxy(t, factory, cfg)

	var g errgroup.Group
	for i := range clients {
		id := strconv.Itoa(i)
		g.Go(func() error {
			out, err := rawGet(port, origin.URL+"/?id="+id)
			if err != nil {
				return err
			}
			want := strings.Repeat("body-"+id+";", 2000)
			if !strings.HasSuffix(out, "\r\n\r\n"+want) {
				return fmt.Errorf("client %s got %d bytes", id, len(out))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for i := range clients {
		id := strconv.Itoa(i)
		rs := factory.stream(id)
		if rs == nil {
			t.Fatalf("no forked stream for %s", id)
		}
		rs.wait(t)
		want := strings.Repeat("body-"+id+";", 2000)
		if got := string(rs.bytes()); got != want {
			t.Fatalf("stream %s: got %d bytes, want %d", id, len(got), len(want))
		}
		if closes, aborts, _ := rs.counts(); closes != 1 || aborts != 0 {
			t.Fatalf("stream %s: closes=%d aborts=%d", id, closes, aborts)
		}
	}
}

func TestRejectedRequestsCloseWithoutResponse(t *testing.T) {
	var hits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer origin.Close()

	tests := []struct {
		name string
		head string
	}{
		{"post", "POST /" + origin.URL + "/ HTTP/1.1\r\n\r\n"},
		{"relative target", "GET /index.html HTTP/1.1\r\n\r\n"},
		{"bare request line", "GET\r\n\r\n"},
		{"header without separator", "GET /" + origin.URL + "/ HTTP/1.1\r\nBroken\r\n\r\n"},
	}

	factory := newRecordingFactory()
	m := NewMetrics()
	cfg := quietConfig()
	cfg.Metrics = m
	_, port := startProxy(t, factory, cfg)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dialProxy(t, port)
			defer c.Close()

			if _, err := io.WriteString(c, tt.head); err != nil {
				t.Fatal(err)
			}
			out, err := io.ReadAll(c)
			if err != nil && !isClientGone(err) {
				t.Fatal(err)
			}
			if len(out) != 0 {
				t.Fatalf("got response %q", out)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Fatalf("origin was contacted %d times", n)
	}
	if n := factory.count(); n != 0 {
		t.Fatalf("factory was called %d times", n)
	}
	if v := prom.ToFloat64(m.RequestsRejected.WithLabelValues("unsupported_method")); v != 1 {
		t.Fatalf("unsupported_method rejections = %v", v)
	}
	if v := prom.ToFloat64(m.RequestsRejected.WithLabelValues("malformed")); v != 3 {
		t.Fatalf("malformed rejections = %v", v)
	}
}

func TestUpstreamErrorStatus(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	factory := newRecordingFactory()
	_, port := startProxy(t, factory, quietConfig())

	out, err := rawGet(port, origin.URL+"/missing.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("got response %q", out)
	}
	if n := factory.count(); n != 0 {
		t.Fatalf("factory was called %d times", n)
	}
}

func TestUpstreamUnreachable(t *testing.T) {
	factory := newRecordingFactory()
	_, port := startProxy(t, factory, quietConfig())

	dead := testutil.FreePort(t)
	out, err := rawGet(port, "http://127.0.0.1:"+strconv.Itoa(dead)+"/")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("got response %q", out)
	}
	if n := factory.count(); n != 0 {
		t.Fatalf("factory was called %d times", n)
	}
}

// streamingOrigin sends 32KiB chunks until the request goes away.
func streamingOrigin(t *testing.T) *httptest.Server {
	t.Helper()

	chunk := []byte(strings.Repeat("x", 32*1024))
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := w.(http.Flusher)
		for range 4096 {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			f.Flush()
			if r.Context().Err() != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClientDisconnectAbortsFork(t *testing.T) {
	origin := streamingOrigin(t)
	factory := newRecordingFactory()
	p, port := startProxy(t, factory, quietConfig())

	c := dialProxy(t, port)
	if _, err := fmt.Fprintf(c, "GET /%s/live HTTP/1.1\r\n\r\n", origin.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(c, make([]byte, 100*1024)); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	rs := factory.next(t)
	rs.wait(t)
	closes, aborts, late := rs.counts()
	if closes != 0 || aborts != 1 || late != 0 {
		t.Fatalf("closes=%d aborts=%d lateWrites=%d", closes, aborts, late)
	}

	waitFor(t, "connection to be released", func() bool { return p.ActiveConnections() == 0 })
}

func TestShutdownDuringTransfer(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "chunk")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	factory := newRecordingFactory()
	m := NewMetrics()
	cfg := quietConfig()
	cfg.Metrics = m
	p, port := startProxy(t, factory, cfg)

	c := dialProxy(t, port)
	defer c.Close()
	if _, err := fmt.Fprintf(c, "GET /%s/ HTTP/1.1\r\n\r\n", origin.URL); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := make([]byte, 5)
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatal(err)
	}
	if string(first) != "chunk" {
		t.Fatalf("first chunk = %q", first)
	}
	if p.ActiveConnections() != 1 {
		t.Fatalf("ActiveConnections = %d", p.ActiveConnections())
	}

	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}

	rs := factory.next(t)
	rs.wait(t)
	if closes, aborts, _ := rs.counts(); closes != 0 || aborts != 1 {
		t.Fatalf("closes=%d aborts=%d", closes, aborts)
	}
	if p.ActiveConnections() != 0 {
		t.Fatalf("ActiveConnections after shutdown = %d", p.ActiveConnections())
	}

	// Closed or reset, but never left hanging.
	_, _ = io.ReadAll(resp.Body)

	if v := prom.ToFloat64(m.Relays.WithLabelValues(outcomeCancelled)); v != 1 {
		t.Fatalf("cancelled relays = %v", v)
	}
	if v := prom.ToFloat64(m.ConnectionsActive); v != 0 {
		t.Fatalf("active connections gauge = %v", v)
	}
}

func TestFactoryPanicReachesFaultHandler(t *testing.T) {
	origin := helloOrigin(t)

	faults := make(chan error, 1)
	var panicked atomic.Bool
	factory := ForkedStreamFactoryFunc(func(q QueryParams) (ForkedStream, error) {
		if panicked.CompareAndSwap(false, true) {
			panic("factory exploded")
		}
		return DiscardFactory.CreateForkedStream(q)
	})

	cfg := quietConfig()
	cfg.FaultHandler = func(err error) { faults <- err }
	p, port := startProxy(t, factory, cfg)

	out, err := rawGet(port, origin.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("got response %q", out)
	}

	select {
	case err := <-faults:
		if !strings.Contains(err.Error(), "factory exploded") {
			t.Fatalf("fault = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fault handler was not called")
	}

	out, err = rawGet(port, origin.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\r\n\r\nHello") {
		t.Fatalf("proxy stopped serving after a fault: %q", out)
	}
	if p.State() != Running {
		t.Fatalf("state = %v", p.State())
	}
}

func TestFactoryErrorClosesConnection(t *testing.T) {
	origin := helloOrigin(t)
	factory := ForkedStreamFactoryFunc(func(QueryParams) (ForkedStream, error) {
		return nil, errors.New("disk full")
	})
	_, port := startProxy(t, factory, quietConfig())

	out, err := rawGet(port, origin.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Fatalf("got response %q", out)
	}
}

func TestMetricsCountRelay(t *testing.T) {
	origin := helloOrigin(t)
	m := NewMetrics()
	cfg := quietConfig()
	cfg.Metrics = m
	p, port := startProxy(t, nil, cfg)

	if _, err := rawGet(port, origin.URL+"/"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay to finish", func() bool {
		return prom.ToFloat64(m.ConnectionsActive) == 0 && p.ActiveConnections() == 0
	})

	if v := prom.ToFloat64(m.ConnectionsAccepted); v != 1 {
		t.Fatalf("accepted = %v", v)
	}
	if v := prom.ToFloat64(m.Relays.WithLabelValues(outcomeClosed)); v != 1 {
		t.Fatalf("closed relays = %v", v)
	}
	if v := prom.ToFloat64(m.BytesRelayed); v != 5 {
		t.Fatalf("bytes relayed = %v", v)
	}
	if v := prom.ToFloat64(m.UpstreamResponses.WithLabelValues("200")); v != 1 {
		t.Fatalf("upstream 200s = %v", v)
	}
}
