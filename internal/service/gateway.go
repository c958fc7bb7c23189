// Package service implements the request classification and forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"hf-proxy-go/internal/access"
	"hf-proxy-go/internal/config"
	"hf-proxy-go/internal/metrics"
	"hf-proxy-go/internal/model"
	"hf-proxy-go/internal/proxyurl"
	"hf-proxy-go/internal/rewrite"
)

// ErrUpstreamContract is returned when the upstream sends a redirect the
// gateway cannot follow: no Location, or one that does not parse.
var ErrUpstreamContract = errors.New("upstream sent a redirect without a usable Location")

// tokenSegment marks the path of the xet read-token endpoint.
const tokenSegment = "xet-read-token"

// Transport performs the single outbound call of a request. It must not
// follow redirects.
type Transport interface {
	DoStream(ctx context.Context, method, url, host string, header http.Header, body io.Reader) (*model.ProxyResponse, error)
}

// Gateway classifies inbound requests and runs the matching pipeline.
type Gateway struct {
	transport Transport
	guard     *access.Guard
	flags     config.FlagSource
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sizeProbe int64
	rootURL   string
}

// NewGateway creates a Gateway. The metrics parameter is optional.
func NewGateway(t Transport, cfg *config.Config, flags config.FlagSource, m *metrics.Metrics, logger *slog.Logger) (*Gateway, error) {
	guard, err := access.NewGuard(cfg.Access.UserAgentPattern)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		transport: t,
		guard:     guard,
		flags:     flags,
		metrics:   m,
		logger:    logger.With("component", "gateway"),
		sizeProbe: cfg.Server.SizeProbeBytes,
		rootURL:   "https://" + proxyurl.PrimaryHost,
	}, nil
}

// Forward runs pr through the access check and the pipeline selected by its
// hostname. The caller is responsible for closing the response body.
// Rejections return before any upstream call is made.
func (g *Gateway) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	mode := Classify(pr.Hostname)
	if err := g.guard.Check(pr.Header, mode != ModeRoot, pr.Path); err != nil {
		g.logger.Info("rejected client",
			"user_agent", pr.Header.Get("User-Agent"),
			"mode", mode.String(),
		)
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.ModeRequests.WithLabelValues(mode.String()).Inc()
	}

	var (
		resp *model.ProxyResponse
		err  error
	)
	switch mode {
	case ModeGeneric:
		resp, err = g.forwardGeneric(pr)
	case ModeManifest:
		resp, err = g.forwardManifest(pr)
	default:
		resp, err = g.forwardRoot(pr, g.flags())
	}
	if err != nil {
		return nil, err
	}
	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// forwardGeneric relays to the embedded location. The client already holds a
// rewritten URL, so nothing in the response is touched.
func (g *Gateway) forwardGeneric(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := proxyurl.Decode(pr.RawQuery)
	if err != nil {
		return nil, err
	}
	return g.send(pr, target, "", filterRequestHeaders(pr.Header))
}

func (g *Gateway) forwardManifest(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := proxyurl.Decode(pr.RawQuery)
	if err != nil {
		return nil, err
	}
	header := filterRequestHeaders(pr.Header)
	header.Set("Accept-Encoding", "identity")

	resp, err := g.send(pr, target, "", header)
	if err != nil {
		return nil, err
	}
	if !isSuccess(resp.StatusCode) {
		return resp, nil
	}

	n, err := rewrite.Manifest(resp, pr.Hostname)
	if err != nil {
		return nil, fmt.Errorf("rewrite reconstruction: %w", err)
	}
	g.countRewrite("manifest")
	g.logger.Debug("rewrote reconstruction urls", "count", n)
	return resp, nil
}

func (g *Gateway) forwardRoot(pr *model.ProxyRequest, flags config.GatewayConfig) (*model.ProxyResponse, error) {
	target := g.rootURL + pr.Path
	if pr.RawQuery != "" {
		target += "?" + pr.RawQuery
	}
	header := filterRequestHeaders(pr.Header)
	// Ask for the raw bytes so Content-Length is the real size.
	header.Set("Accept-Encoding", "identity")

	resp, err := g.send(pr, target, proxyurl.PrimaryHost, header)
	if err != nil {
		return nil, err
	}

	switch {
	case isRedirect(resp):
		return g.rewriteRedirect(resp, target, pr.Hostname, flags)
	case isTokenPath(pr.Path):
		if err := rewrite.Token(resp, pr.Hostname); err != nil {
			return nil, fmt.Errorf("rewrite token: %w", err)
		}
		g.countRewrite("token")
		return resp, nil
	default:
		added, err := rewrite.Size(resp, g.sizeProbe)
		if err != nil {
			return nil, fmt.Errorf("forward to upstream: %w", err)
		}
		if added {
			g.countRewrite("size")
		}
		return resp, nil
	}
}

func (g *Gateway) rewriteRedirect(resp *model.ProxyResponse, target, hostname string, flags config.GatewayConfig) (*model.ProxyResponse, error) {
	if resp.Header.Get("Location") == "" {
		_ = resp.Body.Close()
		g.logger.Error("redirect without Location", "status", resp.StatusCode, "url", target)
		return nil, ErrUpstreamContract
	}

	upstream, err := url.Parse(target)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	hadLink := resp.Header.Get("Link") != ""

	changed, err := rewrite.Redirect(resp, upstream, hostname, flags)
	if err != nil {
		_ = resp.Body.Close()
		g.logger.Error("unusable redirect", "status", resp.StatusCode, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrUpstreamContract, err)
	}
	if changed {
		g.countRewrite("location")
		if hadLink {
			g.countRewrite("link")
		}
	}
	return resp, nil
}

func (g *Gateway) send(pr *model.ProxyRequest, target, host string, header http.Header) (*model.ProxyResponse, error) {
	g.logger.Debug("forwarding request",
		"method", pr.Method,
		"hostname", pr.Hostname,
		"path", pr.Path,
	)

	resp, err := g.transport.DoStream(pr.Ctx, pr.Method, target, host, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

func (g *Gateway) countRewrite(kind string) {
	if g.metrics != nil {
		g.metrics.Rewrites.WithLabelValues(kind).Inc()
	}
}

// isRedirect reports whether resp carries a Location to rewrite. Any 3xx
// with a Location qualifies except 304. The statuses that must carry one
// qualify even without it, so the missing header is reported.
func isRedirect(resp *model.ProxyResponse) bool {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	case http.StatusNotModified:
		return false
	}
	return resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != ""
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func isTokenPath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == tokenSegment {
			return true
		}
	}
	return false
}
