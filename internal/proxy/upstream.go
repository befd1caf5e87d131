package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is an origin response whose body has not been read yet.
type Response struct {
	Proto      string
	StatusCode int
	// Message is the reason phrase, e.g. "OK".
	Message string
	Header  http.Header
	Body    io.ReadCloser
}

// StatusLine formats the response status line without its CRLF.
func (r *Response) StatusLine() string {
	return fmt.Sprintf("%s %d %s", r.Proto, r.StatusCode, r.Message)
}

// Fetcher issues the outbound GET for a client request.
type Fetcher struct {
	client  *http.Client
	metrics *Metrics
}

// NewFetcher builds a Fetcher that reaches origins through cfg.Upstream.
func NewFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	return &Fetcher{
		client:  &http.Client{Transport: newTransport(cfg)},
		metrics: cfg.Metrics,
	}
}

func newTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		DialContext:         cfg.Upstream.Dialer.DialContext,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		// The client gets the origin's bytes untouched: no transparent gzip.
		DisableCompression: true,
		// HTTP/1.x only, so the relayed status line is one the client speaks.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// With an HTTP proxy, DialContext only reaches the proxy itself.
	if u := cfg.Upstream.ProxyURL; u != nil {
		t.Proxy = http.ProxyURL(u)
		t.ProxyConnectHeader = http.Header{"User-Agent": {""}}
	}

	return t
}

// Fetch sends GET req.Target with req's headers and returns the response
// once its headers have arrived. The caller must close the body.
//
// Transport errors and statuses outside 2xx/3xx are reported as
// ErrUpstreamFailure.
func (f *Fetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUpstreamFailure, err)
	}
	hreq.Header = req.HTTPHeader()
	if _, ok := hreq.Header["User-Agent"]; !ok {
		// An empty value stops net/http from adding its own.
		hreq.Header.Set("User-Agent", "")
	}

	start := time.Now()
	resp, err := f.client.Do(hreq)
	if err != nil {
		f.metrics.upstream(0, time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	f.metrics.upstream(resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %s", ErrUpstreamFailure, resp.Status)
	}

	return &Response{
		Proto:      resp.Proto,
		StatusCode: resp.StatusCode,
		Message:    reasonPhrase(resp),
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func reasonPhrase(resp *http.Response) string {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return msg
}

// CloseIdleConnections drops pooled origin connections.
func (f *Fetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}
