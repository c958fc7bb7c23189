// Package rewrite turns upstream responses into responses that only reference
// the gateway: redirect targets, Link headers, signed URLs inside JSON bodies,
// and the legacy size header clients rely on.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"hf-proxy-go/internal/config"
	"hf-proxy-go/internal/model"
	"hf-proxy-go/internal/proxyurl"
)

// ErrInvalidLocation is returned when an upstream Location header cannot be parsed.
var ErrInvalidLocation = errors.New("unparseable location header")

// Redirect rewrites the Location and Link headers of a redirect so the client
// comes back through hostname. upstream is the URL the redirect was served
// for; relative Locations are resolved against it. It reports whether the
// response was modified. The body is left as a stream.
func Redirect(resp *model.ProxyResponse, upstream *url.URL, hostname string, flags config.GatewayConfig) (bool, error) {
	loc := resp.Header.Get("Location")
	target, err := url.Parse(loc)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}
	if !target.IsAbs() && upstream != nil {
		target = upstream.ResolveReference(target)
		loc = target.String()
	}

	host := target.Hostname()
	if !flags.ProxyAllHost && proxyurl.IsSecondaryHost(host) {
		return false, nil
	}

	if proxyurl.IsPrimaryHost(host) {
		resp.Header.Set("Location", withHost(target, hostname))
	} else {
		resp.Header.Set("Location", proxyurl.Encode(loc, proxyurl.Generic, hostname))
	}

	if links := resp.Header.Values("Link"); len(links) > 0 {
		if !flags.UseXetTransfer {
			resp.Header.Del("Link")
		} else {
			rewritten := make([]string, len(links))
			for i, v := range links {
				rewritten[i] = Link(v, hostname)
			}
			resp.Header["Link"] = rewritten
		}
	}
	return true, nil
}

// Link rewrites every `<url>; params` entry of a Link header value. URLs on
// the primary host get the gateway host, URLs on the secondary domain are
// wrapped as hf-proxy URLs. Anything else, including entries that do not
// parse, is kept byte-for-byte.
func Link(value, hostname string) string {
	entries := splitLinkValue(value)
	for i, entry := range entries {
		entries[i] = rewriteLinkEntry(strings.TrimSpace(entry), hostname)
	}
	return strings.Join(entries, ", ")
}

func rewriteLinkEntry(entry, hostname string) string {
	if !strings.HasPrefix(entry, "<") {
		return entry
	}
	end := strings.IndexByte(entry, '>')
	if end < 0 {
		return entry
	}
	raw, params := entry[1:end], entry[end+1:]

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return entry
	}

	host := u.Hostname()
	switch {
	case proxyurl.IsPrimaryHost(host):
		return "<" + withHost(u, hostname) + ">" + params
	case proxyurl.IsSecondaryHost(host):
		return "<" + proxyurl.Encode(raw, proxyurl.Generic, hostname) + ">" + params
	default:
		return entry
	}
}

// splitLinkValue splits a Link header on the commas that separate entries,
// ignoring commas inside <...> and quoted parameter values.
func splitLinkValue(v string) []string {
	var (
		parts   []string
		inAngle bool
		inQuote bool
		start   int
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '<':
			if !inQuote {
				inAngle = true
			}
		case '>':
			if !inQuote {
				inAngle = false
			}
		case '"':
			if !inAngle {
				inQuote = !inQuote
			}
		case '\\':
			if inQuote {
				i++
			}
		case ',':
			if !inAngle && !inQuote {
				parts = append(parts, v[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, v[start:])
}

// withHost returns u with its host replaced by hostname. Path and query keep
// their original escaping.
func withHost(u *url.URL, hostname string) string {
	swapped := *u
	swapped.Host = hostname
	return swapped.String()
}
