package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"syscall"
)

// HeaderField is a single request header line. Order and duplicates are
// preserved.
type HeaderField struct {
	Name  string
	Value string
}

// Request is the parsed head of a client request.
type Request struct {
	Method string
	// Target is the absolute upstream URL: the request URI with its leading
	// '/' removed.
	Target string
	Header []HeaderField
}

// HTTPHeader returns the request headers as an http.Header, keeping repeated
// names as multiple values.
func (r *Request) HTTPHeader() http.Header {
	h := make(http.Header, len(r.Header))
	for _, f := range r.Header {
		h.Add(f.Name, f.Value)
	}
	return h
}

// ReadRequest reads one request line and its header block from br.
//
// It returns errNoRequest if the client disconnected before sending a
// request line, ErrUnsupportedRequest for non-GET methods and
// ErrMalformedRequest for anything it cannot parse.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		if isClientGone(err) {
			return nil, errNoRequest
		}
		return nil, fmt.Errorf("read request line: %w", err)
	}
	if line == "" {
		return nil, errNoRequest
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, line)
	}
	method, uri := fields[0], fields[1]

	if !strings.EqualFold(method, http.MethodGet) {
		return nil, fmt.Errorf("%w: method %s", ErrUnsupportedRequest, method)
	}

	target, ok := strings.CutPrefix(uri, "/")
	if !ok {
		return nil, fmt.Errorf("%w: request uri %q", ErrMalformedRequest, uri)
	}
	if err := checkTarget(target); err != nil {
		return nil, err
	}

	var header []HeaderField
	for {
		hl, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("%w: read header: %w", ErrMalformedRequest, err)
		}
		if hl == "" {
			break
		}
		name, value, ok := strings.Cut(hl, ": ")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedRequest, hl)
		}
		header = append(header, HeaderField{Name: name, Value: value})
	}

	return &Request{Method: method, Target: target, Header: header}, nil
}

func checkTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: target: %w", ErrMalformedRequest, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: target %q is not an absolute http(s) url", ErrMalformedRequest, target)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target %q has no host", ErrMalformedRequest, target)
	}
	return nil
}

// isClientGone reports whether err means the peer closed or reset the
// connection, or it was closed locally during shutdown.
func isClientGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
