package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"github.com/labstack/echo/v4"

	"hf-proxy-go/internal/access"
	"hf-proxy-go/internal/model"
	"hf-proxy-go/internal/proxyurl"
	"hf-proxy-go/internal/rewrite"
	"hf-proxy-go/internal/service"
)

// signedParamPattern matches signature-bearing query values in URLs embedded in error messages.
var signedParamPattern = regexp.MustCompile(`(?i)((?:signature|policy|key-pair-id|x-amz-signature|x-amz-credential|x-amz-security-token)=)[^&\s"]+`)

// Forwarder runs a client request through the gateway.
type Forwarder interface {
	Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// ProxyHandler relays every non-internal request through the gateway.
type ProxyHandler struct {
	gateway Forwarder
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(gw *service.Gateway, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		gateway: gw,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and streams the upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Hostname: (&url.URL{Host: req.Host}).Hostname(),
		Method:   req.Method,
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.gateway.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	// A body rewritten in place no longer matches the upstream length.
	if resp.ContentLength >= 0 && dst.Get(echo.HeaderContentLength) == "" {
		dst.Set(echo.HeaderContentLength, strconv.FormatInt(resp.ContentLength, 10))
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a copy failure can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "client not allowed",
		})
	case errors.Is(err, proxyurl.ErrMalformedLocation):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing location parameter",
		})
	case errors.Is(err, proxyurl.ErrInvalidLocationURL):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid location url",
		})
	case errors.Is(err, proxyurl.ErrForbiddenUpstream):
		h.logger.Warn("forbidden upstream", "err", sanitizeError(err), "path", path)
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "location host not allowed",
		})
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", path,
	)

	if errors.Is(err, service.ErrUpstreamContract) || errors.Is(err, rewrite.ErrBodyParse) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "unexpected upstream response",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts URL signatures from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return signedParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
