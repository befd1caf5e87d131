// Package proxy implements the streaming forwarding proxy engine.
//
// A local client asks for http://127.0.0.1:<port>/<absolute-url>; the engine
// fetches <absolute-url> from the origin and relays the response to the
// client while copying every body byte into a per-connection ForkedStream.
//
// The package contains the StreamProxy lifecycle and accept loop, the
// connection registry, request validation, the upstream fetcher, the tee
// relay and the query parameter parser handed to ForkedStreamFactory.
package proxy
