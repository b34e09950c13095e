// Package timeouts holds the timeout values shared by every outbound call
// and the HTTP server.
package timeouts

import (
	"net"
	"net/http"
	"time"
)

// Connect caps TCP connect and TLS handshake for outbound HTTP calls.
const Connect = 5 * time.Second

// Request caps a whole outbound HTTP call, body included.
const Request = 10 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits graceful shutdown of the HTTP server.
const Shutdown = 5 * time.Second

// Write bounds a single websocket write.
const Write = 5 * time.Second

// NewHTTPClient returns a client bounded by Connect and Request.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: Connect}
	return &http.Client{
		Timeout: Request,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: Connect,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
