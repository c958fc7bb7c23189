package config

import (
	"os"
	"strings"
)

// Environment variables holding the gateway feature flags.
const (
	EnvProxyAllHost   = "PROXY_ALL_HOST"
	EnvUseXetTransfer = "USE_XET_TRANSFER"
)

// GatewayConfig carries the per-request feature flags. It is rebuilt from the
// environment for every request and passed explicitly to whatever needs it.
type GatewayConfig struct {
	// ProxyAllHost makes the gateway take over redirects to hf.co sub-domains.
	ProxyAllHost bool
	// UseXetTransfer rewrites Link headers on redirects instead of dropping them.
	UseXetTransfer bool
}

// FlagSource yields the flags in effect for one request.
type FlagSource func() GatewayConfig

// FlagsFromEnv builds a GatewayConfig using lookup (usually os.LookupEnv).
func FlagsFromEnv(lookup func(string) (string, bool)) GatewayConfig {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	return GatewayConfig{
		ProxyAllHost:   Truthy(get(EnvProxyAllHost)),
		UseXetTransfer: Truthy(get(EnvUseXetTransfer)),
	}
}

// EnvFlags reads the flags from the process environment on each call.
func EnvFlags() GatewayConfig {
	return FlagsFromEnv(os.LookupEnv)
}

// Truthy reports whether v is one of true, 1, yes, on (case and surrounding
// whitespace ignored).
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
