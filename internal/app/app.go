package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/tokenkeeper/internal/authcode"
	"github.com/florianilch/tokenkeeper/internal/credentials"
	"github.com/florianilch/tokenkeeper/internal/marketdata"
	"github.com/florianilch/tokenkeeper/internal/proxy"
	"github.com/florianilch/tokenkeeper/internal/tokensource"
	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

// Option configures an App.
type Option func(*options)

type options struct {
	codes     authcode.Provider
	transport http.RoundTripper
	now       func() time.Time
}

// WithCodeProvider replaces the interactive console prompt.
func WithCodeProvider(codes authcode.Provider) Option {
	return func(o *options) {
		o.codes = codes
	}
}

// WithTransport sets the base transport for token, market data and proxy requests.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *options) {
		o.transport = transport
	}
}

// WithClock sets the time source for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// App orchestrates the credential manager, the refresh loop and the optional proxy.
type App struct {
	cfg     *Config
	store   tokenstore.TokenStore
	manager *credentials.Manager
	market  *marketdata.Client
	proxy   *proxy.Proxy
	now     func() time.Time
}

// New creates a new App instance. No I/O is performed.
func New(cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codes == nil {
		console := authcode.NewConsole(os.Stdin, os.Stderr)
		console.AllowNonTerminal = *cfg.OAuth.AllowNonTerminalInput
		o.codes = console
	}

	store, err := cfg.Storage.NewTokenStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	grantOpts := []tokensource.Option{
		tokensource.WithTimeout(cfg.OAuth.Timeout),
		tokensource.WithLifetimePolicy(cfg.LifetimePolicy()),
		tokensource.WithClock(o.now),
	}
	if o.transport != nil {
		grantOpts = append(grantOpts, tokensource.WithTransport(o.transport))
	}
	grants, err := tokensource.New(cfg.Credentials(), tokensource.EndpointFromBaseURL(cfg.OAuth.BaseURL), grantOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant client: %w", err)
	}

	manager, err := credentials.New(store, grants, o.codes,
		credentials.WithPollInterval(cfg.Refresh.Interval),
		credentials.WithRefreshTimeout(cfg.Refresh.Timeout),
		credentials.WithReauthorizeOnExpiry(*cfg.Refresh.ReauthorizeOnExpiry),
		credentials.WithClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential manager: %w", err)
	}

	tokens, err := NewManagedTokenSource(manager)
	if err != nil {
		return nil, err
	}

	marketOpts := []marketdata.Option{
		marketdata.WithBaseURL(cfg.MarketData.BaseURL),
		marketdata.WithTimeout(cfg.MarketData.Timeout),
	}
	if o.transport != nil {
		marketOpts = append(marketOpts, marketdata.WithTransport(o.transport))
	}
	market, err := marketdata.New(tokens, marketOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create market data client: %w", err)
	}

	a := &App{
		cfg:     cfg,
		store:   store,
		manager: manager,
		market:  market,
		now:     o.now,
	}

	if cfg.Server.Enabled {
		proxyOpts := []proxy.Option{proxy.WithStatus(a.status)}
		if o.transport != nil {
			proxyOpts = append(proxyOpts, proxy.WithTransport(o.transport))
		}
		// The proxy fronts the same API root as the market data client
		a.proxy, err = proxy.New(tokens, cfg.MarketData.BaseURL, proxyOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy: %w", err)
		}
	}

	return a, nil
}

// Start initializes the credentials, runs the refresh loop and the proxy, and
// blocks until ctx is canceled or a service fails.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	if err := a.manager.Init(ctx); err != nil {
		return fmt.Errorf("credential initialization failed: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	if err := a.manager.Start(gCtx); err != nil {
		return fmt.Errorf("refresh scheduler startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.manager.Stop)

	if a.proxy != nil {
		address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
		slog.InfoContext(gCtx, "starting proxy server", "address", address)

		proxyErrCh, err := a.proxy.Start(gCtx, address)
		if err != nil {
			a.shutdown(shutdownFuncs)
			return fmt.Errorf("proxy startup failed: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

		// Monitor runtime errors - errgroup cancels context on first error
		g.Go(func() error {
			select {
			case err := <-proxyErrCh:
				if err != nil {
					slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
					return fmt.Errorf("proxy: %w", err)
				}
				return nil
			case <-gCtx.Done():
				return nil
			}
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	snap := a.manager.Snapshot()
	slog.InfoContext(gCtx, "application ready",
		"state", a.manager.State(),
		"generation", snap.Generation,
		"proxy", a.proxy != nil,
	)

	runtimeErr := g.Wait()

	slog.InfoContext(ctx, "shutting down services")

	errs := a.shutdown(shutdownFuncs)
	if runtimeErr != nil {
		errs = append([]error{fmt.Errorf("runtime: %w", runtimeErr)}, errs...)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// shutdown runs shutdownFuncs in reverse order within the shutdown timeout.
func (a *App) shutdown(shutdownFuncs []func(context.Context) error) []error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// Login runs the interactive authorization unconditionally and persists the result.
func (a *App) Login(ctx context.Context) (tokenstore.TokenSet, error) {
	return a.manager.Authorize(ctx)
}

// Ready initializes the credentials for a one-shot command and refreshes the
// access token if it has already expired. No refresh loop is started.
func (a *App) Ready(ctx context.Context) error {
	if err := a.manager.Init(ctx); err != nil {
		return fmt.Errorf("credential initialization failed: %w", err)
	}
	if a.manager.Snapshot().AccessExpired(a.now()) {
		if err := a.manager.RefreshNow(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AccessToken returns a usable access token, refreshing first when force is set.
func (a *App) AccessToken(ctx context.Context, force bool) (string, error) {
	if err := a.Ready(ctx); err != nil {
		return "", err
	}
	if force {
		if err := a.manager.RefreshNow(ctx); err != nil {
			return "", err
		}
	}
	return a.manager.AccessToken(), nil
}

// Stored returns the persisted token set without contacting the token endpoint.
func (a *App) Stored(ctx context.Context) (tokenstore.TokenSet, error) {
	return a.store.Load(ctx)
}

// MarketData returns the market data client. Call Ready or Start first.
func (a *App) MarketData() *marketdata.Client {
	return a.market
}

// Manager returns the credential manager.
func (a *App) Manager() *credentials.Manager {
	return a.manager
}

// ProxyAddr returns the proxy listen address, or "" when the proxy is not running.
func (a *App) ProxyAddr() string {
	if a.proxy == nil {
		return ""
	}
	return a.proxy.Addr()
}

func (a *App) status() proxy.Status {
	snap := a.manager.Snapshot()
	return proxy.Status{
		State:            a.manager.State().String(),
		Generation:       snap.Generation,
		AccessExpiresAt:  snap.AccessExpiresAt.UTC(),
		RefreshExpiresAt: snap.RefreshExpiresAt.UTC(),
		SchedulerRunning: a.manager.Running(),
	}
}
