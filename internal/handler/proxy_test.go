package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"hf-proxy-go/internal/access"
	"hf-proxy-go/internal/config"
	"hf-proxy-go/internal/model"
	"hf-proxy-go/internal/proxyurl"
	"hf-proxy-go/internal/rewrite"
	"hf-proxy-go/internal/service"
)

const clientUA = "huggingface_hub/0.26.0; python/3.12; hf_hub"

// transportFunc adapts a function to service.Transport.
type transportFunc func(ctx context.Context, method, url, host string, header http.Header, body io.Reader) (*model.ProxyResponse, error)

func (f transportFunc) DoStream(ctx context.Context, method, url, host string, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	return f(ctx, method, url, host, header, body)
}

func newTestGateway(t *testing.T, tr service.Transport, flags config.GatewayConfig) *service.Gateway {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{SizeProbeBytes: 1 << 20},
		Access: config.AccessConfig{UserAgentPattern: config.DefaultUserAgentPattern},
	}
	gw, err := service.NewGateway(tr, cfg, func() config.GatewayConfig { return flags }, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw
}

func staticResponse(status int, header http.Header, body string) transportFunc {
	return func(context.Context, string, string, string, http.Header, io.Reader) (*model.ProxyResponse, error) {
		h := http.Header{}
		for k, v := range header {
			h[k] = v
		}
		return &model.ProxyResponse{
			StatusCode:    status,
			Header:        h,
			ContentLength: -1,
			Body:          io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func serve(t *testing.T, h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body["error"]
}

func TestProxyHandler_Handle_RootRequest(t *testing.T) {
	var gotURL, gotHost string
	tr := transportFunc(func(_ context.Context, _, u, host string, _ http.Header, _ io.Reader) (*model.ProxyResponse, error) {
		gotURL, gotHost = u, host
		return staticResponse(http.StatusOK, http.Header{
			"Content-Type":   {"text/plain"},
			"Content-Length": {"22"},
		}, "This is a README file.")(context.Background(), "", "", "", nil, nil)
	})
	h := NewProxyHandler(newTestGateway(t, tr, config.GatewayConfig{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "http://example.com:8000/gpt2/resolve/main/README%20v2.md?download=true", http.NoBody)
	req.Header.Set("User-Agent", clientUA)
	rec := serve(t, h, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if want := "https://huggingface.co/gpt2/resolve/main/README%20v2.md?download=true"; gotURL != want {
		t.Errorf("upstream url = %q, want %q", gotURL, want)
	}
	if gotHost != proxyurl.PrimaryHost {
		t.Errorf("upstream host = %q, want %q", gotHost, proxyurl.PrimaryHost)
	}
	if got := rec.Header().Get(rewrite.HeaderLinkedSize); got != "22" {
		t.Errorf("%s = %q, want %q", rewrite.HeaderLinkedSize, got, "22")
	}
	if rec.Body.String() != "This is a README file." {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_Handle_RejectedClient(t *testing.T) {
	called := false
	tr := transportFunc(func(context.Context, string, string, string, http.Header, io.Reader) (*model.ProxyResponse, error) {
		called = true
		return nil, errors.New("unexpected upstream call")
	})
	h := NewProxyHandler(newTestGateway(t, tr, config.GatewayConfig{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", http.NoBody)
	req.Header.Set("User-Agent", "BadBot/1.0")
	rec := serve(t, h, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if called {
		t.Error("upstream was called for a rejected client")
	}
}

func TestProxyHandler_Handle_TokenRewrite(t *testing.T) {
	casURL := "https://cas-server.xethub.hf.co"
	tr := staticResponse(http.StatusOK, http.Header{
		"Content-Type":       {"application/json"},
		"Content-Length":     {"64"},
		rewrite.HeaderCasURL: {casURL},
	}, `{"accessToken":"xet_tok","casUrl":"`+casURL+`","exp":1761015440}`)
	h := NewProxyHandler(newTestGateway(t, tr, config.GatewayConfig{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/api/models/gpt2/xet-read-token/main", http.NoBody)
	req.Header.Set("User-Agent", clientUA)
	rec := serve(t, h, req)

	want := "https://cas-xet.example.com/?location=" + url.QueryEscape(casURL)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["casUrl"] != want {
		t.Errorf("casUrl = %v, want %q", body["casUrl"], want)
	}
	if got := rec.Header().Get(rewrite.HeaderCasURL); got != want {
		t.Errorf("%s = %q, want %q", rewrite.HeaderCasURL, got, want)
	}
	if got, want := rec.Header().Get("Content-Length"), fmt.Sprint(rec.Body.Len()); got != want {
		t.Errorf("Content-Length = %q, want %q", got, want)
	}
}

func TestProxyHandler_Handle_GenericPassThrough(t *testing.T) {
	target := "https://cdn-lfs.hf.co/repos/ab/cd/sha?Expires=1&Signature=abc"
	var gotURL string
	var gotBody []byte
	tr := transportFunc(func(_ context.Context, method, u, _ string, _ http.Header, body io.Reader) (*model.ProxyResponse, error) {
		gotURL = u
		if body != nil {
			gotBody, _ = io.ReadAll(body)
		}
		return staticResponse(http.StatusPartialContent, http.Header{"Content-Range": {"bytes 0-3/10"}}, "blob")(context.Background(), method, u, "", nil, nil)
	})
	h := NewProxyHandler(newTestGateway(t, tr, config.GatewayConfig{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPut, "http://hf-proxy.example.com/?location="+url.QueryEscape(target), strings.NewReader("upload"))
	req.Header.Set("User-Agent", clientUA)
	rec := serve(t, h, req)

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusPartialContent)
	}
	if gotURL != target {
		t.Errorf("upstream url = %q, want %q", gotURL, target)
	}
	if string(gotBody) != "upload" {
		t.Errorf("upstream body = %q, want %q", gotBody, "upload")
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-3/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Body.String() != "blob" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "blob")
	}
}

func TestProxyHandler_Handle_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		tr         transportFunc
		wantStatus int
	}{
		{
			name:       "missing location",
			target:     "http://hf-proxy.example.com/",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid location",
			target:     "http://cas-xet.example.com/?location=" + url.QueryEscape("not a url"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "forbidden location",
			target:     "http://hf-proxy.example.com/?location=" + url.QueryEscape("https://example.org/x"),
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "redirect without location",
			target:     "http://example.com/gpt2/resolve/main/config.json",
			tr:         staticResponse(http.StatusFound, nil, ""),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "bad manifest",
			target:     "http://cas-xet.example.com/?location=" + url.QueryEscape("https://cas-server.xethub.hf.co/v1/reconstructions/a"),
			tr:         staticResponse(http.StatusOK, nil, "<html>"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.tr
			if tr == nil {
				tr = staticResponse(http.StatusOK, nil, "")
			}
			h := NewProxyHandler(newTestGateway(t, tr, config.GatewayConfig{}), slog.New(slog.NewTextHandler(io.Discard, nil)))

			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			req.Header.Set("User-Agent", clientUA)
			rec := serve(t, h, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestProxyHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"access denied", access.ErrAccessDenied, http.StatusForbidden, "client not allowed"},
		{"malformed location", proxyurl.ErrMalformedLocation, http.StatusBadRequest, "missing location parameter"},
		{"forbidden upstream", fmt.Errorf("%w: example.org", proxyurl.ErrForbiddenUpstream), http.StatusForbidden, "location host not allowed"},
		{"upstream contract", service.ErrUpstreamContract, http.StatusInternalServerError, "unexpected upstream response"},
		{"body parse", fmt.Errorf("rewrite token: %w", rewrite.ErrBodyParse), http.StatusInternalServerError, "unexpected upstream response"},
		{"deadline", fmt.Errorf("forward to upstream: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "upstream request timed out"},
		{"canceled", fmt.Errorf("forward to upstream: %w", context.Canceled), http.StatusBadGateway, "client disconnected"},
		{"dns", fmt.Errorf("forward to upstream: %w", &net.DNSError{Err: "no such host", Name: "cdn-lfs.hf.co"}), http.StatusBadGateway, "upstream host unreachable"},
		{"url", fmt.Errorf("forward to upstream: %w", &url.Error{Op: "Get", URL: "https://huggingface.co/api", Err: errors.New("connection refused")}), http.StatusBadGateway, "upstream connection failed"},
		{"other", errors.New("boom"), http.StatusBadGateway, "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &ProxyHandler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/models", http.NoBody), rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := errorBody(t, rec); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts signature in URL",
			err:  `Get "https://cdn-lfs.hf.co/x?Expires=1&Signature=secret123&Key-Pair-Id=K2": EOF`,
			want: `Get "https://cdn-lfs.hf.co/x?Expires=1&Signature=[REDACTED]&Key-Pair-Id=[REDACTED]": EOF`,
		},
		{
			name: "redacts amz signature",
			err:  `Get "https://s3.amazonaws.com/b?X-Amz-Signature=abc": connection refused`,
			want: `Get "https://s3.amazonaws.com/b?X-Amz-Signature=[REDACTED]": connection refused`,
		},
		{
			name: "no signature unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}
