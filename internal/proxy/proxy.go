package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// StatusPath serves the credential status document.
const StatusPath = "/_tokenkeeper/status"

// Status describes the managed credentials without exposing token values.
type Status struct {
	State            string    `json:"state"`
	Generation       uint64    `json:"generation"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SchedulerRunning bool      `json:"scheduler_running"`
}

// StatusFunc reports the current Status.
type StatusFunc func() Status

// Option configures a Proxy.
type Option func(*Proxy)

// WithStatus enables the status endpoint.
func WithStatus(fn StatusFunc) Option {
	return func(p *Proxy) {
		p.status = fn
	}
}

// WithTransport sets the base transport used for upstream requests.
func WithTransport(base http.RoundTripper) Option {
	return func(p *Proxy) {
		p.base = base
	}
}

// Proxy represents the bearer proxy server
type Proxy struct {
	mux    *http.ServeMux
	server *http.Server
	addr   string
	status StatusFunc
	base   http.RoundTripper
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a reverse proxy forwarding every request to baseURL with the
// inbound Authorization header replaced by the managed bearer token.
func New(ts oauth2.TokenSource, baseURL string, opts ...Option) (*Proxy, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}
	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if !upstream.IsAbs() || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: not absolute", baseURL)
	}

	p := &Proxy{}
	for _, opt := range opts {
		opt(p)
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
			// Client credentials never reach upstream, oauth2.Transport sets ours
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		// FlushInterval: -1 flushes as soon as the upstream writes, keeping streamed responses unbuffered.
		FlushInterval: -1,
		Transport:     &oauth2.Transport{Source: ts, Base: p.base},
		ErrorHandler:  upstreamError,
	}

	logger := slog.Default()

	mux := http.NewServeMux()
	if p.status != nil {
		mux.Handle("GET "+StatusPath, applyMiddlewares(http.HandlerFunc(p.handleStatus),
			RequestID,
			Recovery,
		))
	}
	mux.Handle("/", applyMiddlewares(reverseProxyHandler,
		RequestID,
		Logging(logger),
		Recovery,
	))

	p.mux = mux
	return p, nil
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, p.status(), http.StatusOK)
}

// upstreamError reports token and transport failures as JSON instead of an empty 502.
func upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		// Client went away, nobody to answer
		return
	}
	slog.WarnContext(r.Context(), "upstream request failed", "path", r.URL.Path, "error", err)
	writeJSONError(r.Context(), w, "upstream request failed", http.StatusBadGateway)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.addr = listener.Addr().String()
	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Addr returns the listening address once Start has succeeded.
func (p *Proxy) Addr() string {
	return p.addr
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
