package tokensource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

var (
	// ErrConfig reports missing or malformed client credentials.
	ErrConfig = errors.New("invalid oauth client configuration")
	// ErrAuth reports a grant response that lacks a code or token fields.
	ErrAuth = errors.New("authorization failed")
	// ErrNetwork reports a transport failure or a non-success status from the token endpoint.
	ErrNetwork = errors.New("token endpoint request failed")
)

// Default lifetimes applied when the token endpoint does not report one.
const (
	DefaultAccessTokenLifetime  = 30 * time.Minute
	DefaultRefreshTokenLifetime = 7 * 24 * time.Hour
	DefaultRequestTimeout       = 30 * time.Second

	// maxServerLifetime caps lifetimes reported by the token endpoint.
	maxServerLifetime = 10 * 365 * 24 * time.Hour
)

// Credentials identify the confidential OAuth2 client.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Validate checks that all credentials are present and the redirect URI is absolute.
func (c Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrConfig)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%w: client secret is required", ErrConfig)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrConfig)
	}
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return fmt.Errorf("%w: redirect uri: %w", ErrConfig, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: redirect uri %q is not absolute", ErrConfig, c.RedirectURI)
	}
	return nil
}

// LifetimePolicy decides the expiries stamped on a freshly minted TokenSet.
type LifetimePolicy struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// PreferServer uses expires_in / refresh_token_expires_in from the response when present.
	PreferServer bool
}

// DefaultLifetimePolicy returns the 30 minute / 7 day policy that defers to
// server supplied lifetimes.
func DefaultLifetimePolicy() LifetimePolicy {
	return LifetimePolicy{
		AccessTTL:    DefaultAccessTokenLifetime,
		RefreshTTL:   DefaultRefreshTokenLifetime,
		PreferServer: true,
	}
}

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	policy        LifetimePolicy
	now           func() time.Time
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds every token endpoint call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// WithLifetimePolicy overrides the default lifetime policy.
func WithLifetimePolicy(policy LifetimePolicy) Option {
	return func(c *clientConfig) {
		c.policy = policy
	}
}

// WithClock sets the time source used to compute expiries.
func WithClock(now func() time.Time) Option {
	return func(c *clientConfig) {
		c.now = now
	}
}

// Client performs the authorization-code and refresh-token grants.
type Client struct {
	oauth      oauth2.Config
	httpClient *http.Client
	policy     LifetimePolicy
	now        func() time.Time
}

// New creates a Client for the given endpoint. Returns an ErrConfig error if
// the credentials are incomplete.
func New(creds Credentials, endpoint oauth2.Endpoint, opts ...Option) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		return nil, fmt.Errorf("%w: endpoint urls are required", ErrConfig)
	}

	cfg := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultRequestTimeout,
		policy:        DefaultLifetimePolicy(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.policy.AccessTTL <= 0 || cfg.policy.RefreshTTL <= 0 {
		return nil, fmt.Errorf("%w: token lifetimes must be positive", ErrConfig)
	}
	if cfg.policy.AccessTTL > cfg.policy.RefreshTTL {
		return nil, fmt.Errorf("%w: access token lifetime exceeds refresh token lifetime", ErrConfig)
	}

	return &Client{
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Endpoint:     endpoint,
		},
		httpClient: &http.Client{
			Timeout: cfg.timeout, // Bounds every grant, a hung endpoint cannot stall the refresh loop
			Transport: &recordingTransport{
				base: cfg.baseTransport,
			},
		},
		policy: cfg.policy,
		now:    cfg.now,
	}, nil
}

// AuthorizationURL returns the URL the operator opens to grant access.
func (c *Client) AuthorizationURL() string {
	v := url.Values{
		"client_id":    {c.oauth.ClientID},
		"redirect_uri": {c.oauth.RedirectURL},
	}
	return c.oauth.Endpoint.AuthURL + "?" + v.Encode()
}

// Exchange trades an authorization code for the first TokenSet.
func (c *Client) Exchange(ctx context.Context, code string) (tokenstore.TokenSet, error) {
	if code == "" {
		return tokenstore.TokenSet{}, fmt.Errorf("%w: empty authorization code", ErrAuth)
	}

	ctx, rec := c.requestContext(ctx)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return tokenstore.TokenSet{}, classify("authorization code exchange", err, rec)
	}
	return c.tokenSet(tok)
}

// Refresh trades a refresh token for a renewed TokenSet.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (tokenstore.TokenSet, error) {
	if refreshToken == "" {
		return tokenstore.TokenSet{}, fmt.Errorf("%w: empty refresh token", ErrAuth)
	}

	ctx, rec := c.requestContext(ctx)
	// A token without access token is never valid, so the source refreshes immediately
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return tokenstore.TokenSet{}, classify("refresh token grant", err, rec)
	}
	return c.tokenSet(tok)
}

// requestContext injects the bounded HTTP client (oauth2 reads it from the
// oauth2.HTTPClient context key) and a recorder for transport failures.
func (c *Client) requestContext(ctx context.Context) (context.Context, *roundTripRecord) {
	rec := &roundTripRecord{}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	ctx = context.WithValue(ctx, roundTripRecordKey{}, rec)
	return ctx, rec
}

// tokenSet converts a grant response into a TokenSet using the lifetime policy.
func (c *Client) tokenSet(tok *oauth2.Token) (tokenstore.TokenSet, error) {
	if tok.AccessToken == "" {
		return tokenstore.TokenSet{}, fmt.Errorf("%w: response missing access_token", ErrAuth)
	}
	// oauth2 backfills RefreshToken from the request, the raw response is authoritative
	refreshToken, _ := tok.Extra("refresh_token").(string)
	if refreshToken == "" {
		return tokenstore.TokenSet{}, fmt.Errorf("%w: response missing refresh_token", ErrAuth)
	}

	now := c.now()
	accessTTL := c.policy.AccessTTL
	refreshTTL := c.policy.RefreshTTL
	if c.policy.PreferServer {
		if d, ok := seconds(tok.Extra("expires_in")); ok {
			accessTTL = d
		}
		if d, ok := seconds(tok.Extra("refresh_token_expires_in")); ok {
			refreshTTL = d
		}
	}

	// Persisted with second precision
	accessExpiresAt := time.Unix(now.Add(accessTTL).Unix(), 0)
	refreshExpiresAt := time.Unix(now.Add(refreshTTL).Unix(), 0)
	if accessExpiresAt.After(refreshExpiresAt) {
		accessExpiresAt = refreshExpiresAt
	}

	return tokenstore.TokenSet{
		AccessToken:      tok.AccessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

// seconds reads a positive lifetime in seconds from a decoded JSON value.
func seconds(v any) (time.Duration, bool) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case int64:
		n = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		n = parsed
	default:
		return 0, false
	}
	if n <= 0 || math.IsNaN(n) {
		return 0, false
	}
	if n > maxServerLifetime.Seconds() {
		return maxServerLifetime, true
	}
	return time.Duration(n * float64(time.Second)), true
}

// classify maps an oauth2 error onto ErrNetwork or ErrAuth.
func classify(op string, err error, rec *roundTripRecord) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode != "" {
			return fmt.Errorf("%w: %s: status %d: %s", ErrNetwork, op, status, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: %s: status %d", ErrNetwork, op, status)
	}

	// oauth2 formats transport errors with %v, so the recorder is the reliable signal
	if transportErr := rec.Err(); transportErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrNetwork, op, transportErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", ErrNetwork, op, err)
	}

	// Anything else is a response we could not use (malformed body, missing access_token)
	return fmt.Errorf("%w: %s: %w", ErrAuth, op, err)
}

type roundTripRecordKey struct{}

// roundTripRecord captures the transport error of a single grant call.
type roundTripRecord struct {
	mu  sync.Mutex
	err error
}

func (r *roundTripRecord) set(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Err returns the recorded transport error, if any.
func (r *roundTripRecord) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// recordingTransport notes transport failures on the request's roundTripRecord.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type recordingTransport struct {
	base http.RoundTripper
}

// Compile-time check that recordingTransport implements http.RoundTripper.
var _ http.RoundTripper = (*recordingTransport)(nil)

// RoundTrip forwards to the base transport and records any failure.
func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if rec, ok := req.Context().Value(roundTripRecordKey{}).(*roundTripRecord); ok {
			rec.set(err)
		}
	}
	return resp, err
}
