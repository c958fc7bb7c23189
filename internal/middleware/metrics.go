package middleware

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"hf-proxy-go/internal/metrics"
	"hf-proxy-go/internal/proxyurl"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError is written later by the central error
			// handler, so the response does not carry its status yet.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			req := c.Request()
			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(req.Method)
			path := pathLabel(req.Host, req.URL.Path)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(duration)

			return err
		}
	}
}

// pathLabel labels proxy-host requests by their prefix: their path is always
// the root and the target sits in the query.
func pathLabel(host, path string) string {
	if p, ok := proxyurl.PrefixOf((&url.URL{Host: host}).Hostname()); ok {
		return string(p)
	}
	return metrics.NormalizePath(path)
}
