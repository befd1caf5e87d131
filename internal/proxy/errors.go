package proxy

import "errors"

var (
	// ErrProxyNotStarted is returned by Start when the listening socket
	// cannot be bound.
	ErrProxyNotStarted = errors.New("proxy not started")

	// ErrIllegalState reports lifecycle misuse, such as Port or Shutdown
	// before Start.
	ErrIllegalState = errors.New("illegal proxy state")

	// ErrUnsupportedRequest is returned for any method other than GET.
	ErrUnsupportedRequest = errors.New("unsupported request")

	// ErrMalformedRequest is returned when the request head cannot be parsed.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUpstreamFailure wraps origin fetch failures, including non-success
	// status codes.
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrRelayFailure wraps I/O errors while copying the body to the client
	// or to the forked stream.
	ErrRelayFailure = errors.New("relay failure")

	// errNoRequest means the client went away before sending a request line.
	errNoRequest = errors.New("no request")
)
