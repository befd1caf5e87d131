package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Route is how origin servers are reached.
type Route struct {
	Dialer Dialer

	// ProxyURL is set for http:// and https:// upstreams. Dialer then only
	// reaches the proxy and the HTTP transport speaks the proxy protocol
	// (absolute-form requests, or CONNECT for https origins).
	ProxyURL *url.URL
}

// Direct returns a Route that connects straight to origin servers.
func Direct(cfg Config) Route {
	return Route{Dialer: NewDirectDialer(cfg)}
}

// String describes the route with any password redacted.
func (r Route) String() string {
	switch d := r.Dialer.(type) {
	case *SOCKS5ProxyDialer:
		if d.username != "" {
			return "socks5://" + d.username + ":xxxxx@" + d.proxyAddr
		}
		return "socks5://" + d.proxyAddr
	}
	if r.ProxyURL != nil {
		return r.ProxyURL.Redacted()
	}
	return "direct://"
}

// New parses upstream and constructs the matching Route.
//
// Supported schemes:
//   - direct://
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//   - socks5://[user:pass@]host:port
//
// A missing port defaults to 80, 443 and 1080 respectively.
func New(cfg Config, upstream string) (Route, error) {
	u, err := parseUpstream(upstream)
	if err != nil {
		return Route{}, err
	}

	switch u.Scheme {
	case "direct":
		return Direct(cfg), nil
	case "http", "https":
		// The transport sends Proxy-Authorization from u.User.
		return Route{Dialer: NewDirectDialer(cfg), ProxyURL: u}, nil
	case "socks5":
		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		return Route{Dialer: NewSOCKS5ProxyDialer(cfg, u.Host, user, pass)}, nil
	default:
		return Route{}, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

func parseUpstream(upstream string) (*url.URL, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	if u.Scheme == "" {
		return nil, errors.New("invalid url: missing scheme")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid url: path should be empty")
	}
	u.Path = ""
	if u.Scheme == "direct" {
		return u, nil
	}

	port := defaultPortForScheme(u.Scheme)
	if port == "" {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(host, port)
	}
	return u, nil
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	case "socks5":
		return "1080"
	default:
		return ""
	}
}
