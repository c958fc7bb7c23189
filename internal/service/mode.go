package service

import "hf-proxy-go/internal/proxyurl"

// Mode is the handling pipeline an inbound request is routed to.
type Mode int

const (
	// ModeRoot forwards to huggingface.co and rewrites the response metadata.
	ModeRoot Mode = iota
	// ModeGeneric forwards to an embedded upstream URL and returns the response as is.
	ModeGeneric
	// ModeManifest forwards to an embedded upstream URL and rewrites the chunk manifest.
	ModeManifest
)

func (m Mode) String() string {
	switch m {
	case ModeGeneric:
		return "generic"
	case ModeManifest:
		return "manifest"
	default:
		return "root"
	}
}

// Classify maps the inbound hostname to a Mode.
func Classify(hostname string) Mode {
	p, ok := proxyurl.PrefixOf(hostname)
	if !ok {
		return ModeRoot
	}
	if p == proxyurl.Manifest {
		return ModeManifest
	}
	return ModeGeneric
}
