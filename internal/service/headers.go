package service

import (
	"net/http"
	"strings"
)

// hopByHopHeaders apply to a single connection and are never relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// filterRequestHeaders copies src without the hop-by-hop headers, including
// any named in its Connection header. Everything else reaches the upstream,
// credentials included.
func filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	stripHopByHop(dst)
	return dst
}

// filterResponseHeaders removes the hop-by-hop headers from h in place.
func filterResponseHeaders(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	stripHopByHop(h)
	return h
}

func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}
