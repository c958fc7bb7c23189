// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx context.Context
	// Hostname is the inbound host without port; rewritten URLs are rooted at it.
	Hostname string
	Method   string
	Path     string
	// RawQuery is kept escaped so it reaches the upstream unchanged.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	// ContentLength is the body length reported by the transport, -1 if unknown.
	ContentLength int64
	Body          io.ReadCloser
}
