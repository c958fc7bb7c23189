// Package access decides whether an inbound request may use the gateway.
package access

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// ErrAccessDenied is returned for clients the gateway does not serve.
var ErrAccessDenied = errors.New("access denied")

// Guard checks the client identity of inbound requests.
type Guard struct {
	allow *regexp.Regexp
}

// NewGuard compiles pattern as a case-insensitive allow-pattern for User-Agent values.
func NewGuard(pattern string) (*Guard, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compile user agent pattern: %w", err)
	}
	return &Guard{allow: re}, nil
}

// Check returns ErrAccessDenied unless the request may proceed. A non-empty
// User-Agent must match the allow-pattern. Without one, only root-path requests
// to a proxy host are let through: some clients drop the header when they
// follow a redirect into hf-proxy / cas-xet.
func (g *Guard) Check(header http.Header, proxyHost bool, path string) error {
	if ua := header.Get("User-Agent"); ua != "" {
		if g.allow.MatchString(ua) {
			return nil
		}
		return ErrAccessDenied
	}
	if proxyHost && (path == "" || path == "/") {
		return nil
	}
	return ErrAccessDenied
}
