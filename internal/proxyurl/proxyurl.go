// Package proxyurl embeds upstream URLs into gateway URLs and recovers them.
//
// A proxy URL has the form
//
//	https://{prefix}.{gatewayHost}/?location={query-escaped upstream URL}
//
// where the prefix selects how the gateway treats the response fetched from
// the embedded location.
package proxyurl

import (
	"errors"
	"net/url"
	"strings"
)

// Prefix is the leading hostname label that selects a proxy mode.
type Prefix string

const (
	// Generic passes the upstream response through untouched.
	Generic Prefix = "hf-proxy"
	// Manifest rewrites the URLs inside a chunk-reconstruction manifest.
	Manifest Prefix = "cas-xet"
)

// Upstream hosts the gateway is allowed to reach.
const (
	PrimaryHost     = "huggingface.co"
	SecondaryDomain = "hf.co"
)

// LocationParam is the query parameter carrying the embedded URL.
const LocationParam = "location"

var (
	// ErrMalformedLocation is returned when the location parameter is missing or empty.
	ErrMalformedLocation = errors.New("missing location parameter")
	// ErrInvalidLocationURL is returned when the location cannot be unescaped or is not an absolute URL.
	ErrInvalidLocationURL = errors.New("invalid location url")
	// ErrForbiddenUpstream is returned when the location points outside the upstream domains.
	ErrForbiddenUpstream = errors.New("location host is not an upstream host")
)

// Encode wraps target into a proxy URL served by gatewayHost. The target is
// escaped as a whole, so an already escaped query string is escaped again.
func Encode(target string, prefix Prefix, gatewayHost string) string {
	return "https://" + string(prefix) + "." + gatewayHost + "/?" + LocationParam + "=" + url.QueryEscape(target)
}

// Decode extracts the location parameter from rawQuery, unescapes it exactly
// once and validates it. The returned string is the upstream URL byte-for-byte
// as it was passed to Encode.
func Decode(rawQuery string) (string, error) {
	raw, ok := lookupRaw(rawQuery, LocationParam)
	if !ok || raw == "" {
		return "", ErrMalformedLocation
	}

	target, err := url.QueryUnescape(raw)
	if err != nil {
		return "", errors.Join(ErrInvalidLocationURL, err)
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", errors.Join(ErrInvalidLocationURL, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", ErrInvalidLocationURL
	}
	if !IsUpstreamHost(u.Hostname()) {
		return "", ErrForbiddenUpstream
	}
	return target, nil
}

// PrefixOf reports the proxy prefix hostname starts with, if any.
func PrefixOf(hostname string) (Prefix, bool) {
	for _, p := range []Prefix{Generic, Manifest} {
		if strings.HasPrefix(hostname, string(p)) {
			return p, true
		}
	}
	return "", false
}

// IsUpstreamHost reports whether host is a sub-domain of one of the upstream
// root domains. The roots themselves do not match.
func IsUpstreamHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, "."+PrimaryHost) || strings.HasSuffix(host, "."+SecondaryDomain)
}

// IsPrimaryHost reports whether host is exactly the primary upstream host.
func IsPrimaryHost(host string) bool {
	return strings.EqualFold(host, PrimaryHost)
}

// IsSecondaryHost reports whether host is a sub-domain of the secondary root domain.
func IsSecondaryHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), "."+SecondaryDomain)
}

// lookupRaw returns the still-escaped value of key in rawQuery. Unlike
// url.ParseQuery it does not give up on the whole query when an unrelated
// pair is malformed.
func lookupRaw(rawQuery, key string) (string, bool) {
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		k, v, _ := strings.Cut(pair, "=")
		if uk, err := url.QueryUnescape(k); err == nil && uk == key {
			return v, true
		}
	}
	return "", false
}
