// Package dialer selects how the proxy reaches origin servers: directly,
// through an HTTP(S) proxy, or through a SOCKS5 proxy.
package dialer
