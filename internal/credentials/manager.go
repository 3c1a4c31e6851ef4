package credentials

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/tokenkeeper/internal/authcode"
	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

// Defaults for the refresh loop.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
)

const tracerName = "github.com/florianilch/tokenkeeper/internal/credentials"

// Grants performs the OAuth2 grants. Implemented by *tokensource.Client.
type Grants interface {
	AuthorizationURL() string
	Exchange(ctx context.Context, code string) (tokenstore.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (tokenstore.TokenSet, error)
}

// Snapshot is an immutable view of the current TokenSet. Generation increases
// by one on every successful mint or refresh.
type Snapshot struct {
	tokenstore.TokenSet
	Generation uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets how often the refresh loop checks expiry.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.interval = interval
	}
}

// WithRefreshTimeout bounds a single refresh grant.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = timeout
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithReauthorizeOnExpiry controls whether the refresh loop falls back to the
// interactive grant once the refresh token itself has expired. Enabled by default.
func WithReauthorizeOnExpiry(enabled bool) Option {
	return func(m *Manager) {
		m.reauthorize = enabled
	}
}

// WithTracerProvider sets the provider for authorize and refresh spans.
// Defaults to the global provider at the time New is called.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = provider.Tracer(tracerName)
	}
}

// Manager owns the authoritative TokenSet and keeps it fresh.
type Manager struct {
	store  tokenstore.TokenStore
	grants Grants
	codes  authcode.Provider

	interval       time.Duration
	refreshTimeout time.Duration
	reauthorize    bool
	now            func() time.Time
	tracer         trace.Tracer

	current atomic.Pointer[Snapshot]
	state   atomic.Int32

	// writeMu serializes grants, publication and persistence. Readers never take it.
	writeMu sync.Mutex
	unsaved bool // guarded by writeMu

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager. No I/O is performed until Init.
func New(store tokenstore.TokenStore, grants Grants, codes authcode.Provider, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: missing token store", ErrConfig)
	}
	if grants == nil {
		return nil, fmt.Errorf("%w: missing grant client", ErrConfig)
	}
	if codes == nil {
		return nil, fmt.Errorf("%w: missing authorization code provider", ErrConfig)
	}

	m := &Manager{
		store:          store,
		grants:         grants,
		codes:          codes,
		interval:       DefaultPollInterval,
		refreshTimeout: DefaultRefreshTimeout,
		reauthorize:    true,
		now:            time.Now,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.interval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ErrConfig)
	}
	if m.refreshTimeout <= 0 {
		return nil, fmt.Errorf("%w: refresh timeout must be positive", ErrConfig)
	}

	return m, nil
}

// Snapshot returns the current token set. Before Init it returns the sentinel.
func (m *Manager) Snapshot() Snapshot {
	// Hot path: lock-free atomic read
	if snap := m.current.Load(); snap != nil {
		return *snap
	}
	return Snapshot{TokenSet: tokenstore.Sentinel()}
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	return m.Snapshot().AccessToken
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	return m.Snapshot().RefreshToken
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

// publish makes tokens the current generation. Callers hold writeMu.
func (m *Manager) publish(tokens tokenstore.TokenSet) Snapshot {
	var generation uint64 = 1
	if prev := m.current.Load(); prev != nil {
		generation = prev.Generation + 1
	}
	snap := &Snapshot{TokenSet: tokens, Generation: generation}
	m.current.Store(snap)
	return *snap
}
