package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type upstreamRequest struct {
	method string
	path   string
	query  string
	auth   string
	cookie string
	host   string
	body   string
}

func newUpstream(t *testing.T) (*httptest.Server, <-chan upstreamRequest) {
	t.Helper()
	seen := make(chan upstreamRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- upstreamRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			cookie: r.Header.Get("Cookie"),
			host:   r.Host,
			body:   string(body),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func staticSource(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		ts      oauth2.TokenSource
		baseURL string
		wantErr bool
	}{
		{name: "valid", ts: staticSource("a"), baseURL: "https://api.example.com/v1"},
		{name: "missing token source", ts: nil, baseURL: "https://api.example.com", wantErr: true},
		{name: "relative url", ts: staticSource("a"), baseURL: "/v1", wantErr: true},
		{name: "unparsable url", ts: staticSource("a"), baseURL: "http://[::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.ts, tt.baseURL)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProxyReplacesAuthorization(t *testing.T) {
	upstream, seen := newUpstream(t)

	p, err := New(staticSource("managed-token"), upstream.URL+"/api")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/marketdata/v1/quotes?symbols=AAPL", strings.NewReader(`{"q":1}`))
	req.Header.Set("Authorization", "Bearer client-supplied")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	got := <-seen
	if got.auth != "Bearer managed-token" {
		t.Errorf("upstream Authorization = %q, want managed token", got.auth)
	}
	if got.cookie != "" {
		t.Errorf("upstream Cookie = %q, want stripped", got.cookie)
	}
	if got.method != http.MethodPost || got.body != `{"q":1}` {
		t.Errorf("method/body not forwarded: %s %q", got.method, got.body)
	}
	if got.path != "/api/marketdata/v1/quotes" || got.query != "symbols=AAPL" {
		t.Errorf("upstream URL = %s?%s", got.path, got.query)
	}
	if !strings.HasPrefix(upstream.URL, "http://"+got.host) {
		t.Errorf("upstream Host = %q, want %s", got.host, upstream.URL)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("response missing request id")
	}
}

func TestProxyTokenSourceFailure(t *testing.T) {
	upstream, seen := newUpstream(t)

	failing := tokenSourceFunc(func() (*oauth2.Token, error) {
		return nil, errors.New("no access token available")
	})
	p, err := New(failing, upstream.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Errorf("body = %q, want JSON error", rec.Body.String())
	}
	select {
	case r := <-seen:
		t.Errorf("upstream reached without token: %+v", r)
	default:
	}
}

func TestStatusEndpoint(t *testing.T) {
	upstream, _ := newUpstream(t)
	expiry := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	p, err := New(staticSource("managed-token"), upstream.URL, WithStatus(func() Status {
		return Status{
			State:            "valid",
			Generation:       3,
			AccessExpiresAt:  expiry,
			RefreshExpiresAt: expiry.Add(time.Hour),
			SchedulerRunning: true,
		}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if strings.Contains(rec.Body.String(), "managed-token") {
		t.Error("status document leaks the access token")
	}

	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != "valid" || got.Generation != 3 || !got.AccessExpiresAt.Equal(expiry) || !got.SchedulerRunning {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusEndpointDisabled(t *testing.T) {
	upstream, seen := newUpstream(t)

	p, err := New(staticSource("managed-token"), upstream.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))

	// Without a status func the path is proxied like any other
	if got := <-seen; got.path != StatusPath {
		t.Errorf("upstream path = %q", got.path)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "req-123" || rec.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("request id not preserved: handler=%q response=%q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestStartShutdown(t *testing.T) {
	upstream, _ := newUpstream(t)

	p, err := New(staticSource("managed-token"), upstream.URL, WithStatus(func() Status {
		return Status{State: "valid"}
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh, err := p.Start(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + p.Addr() + StatusPath)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if err, ok := <-errCh; ok && err != nil {
		t.Errorf("runtime error after shutdown: %v", err)
	}
}

func TestStartPortInUse(t *testing.T) {
	upstream, _ := newUpstream(t)

	first, _ := New(staticSource("a"), upstream.URL)
	if _, err := first.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	second, _ := New(staticSource("a"), upstream.URL)
	if _, err := second.Start(context.Background(), first.Addr()); err == nil {
		_ = second.Shutdown(context.Background())
		t.Error("expected startup error for port in use")
	}
}

type tokenSourceFunc func() (*oauth2.Token, error)

func (f tokenSourceFunc) Token() (*oauth2.Token, error) { return f() }
