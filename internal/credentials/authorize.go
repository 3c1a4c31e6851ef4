package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

// Init loads the stored token set and makes it usable. Missing, incomplete or
// refresh-expired sets go through the interactive authorization. A set whose
// access token alone has expired is refreshed first, and authorized on failure.
func (m *Manager) Init(ctx context.Context) error {
	tokens, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading stored tokens: %w", err)
	}

	now := m.now()
	if reason := unusableReason(tokens, now); reason != "" {
		slog.InfoContext(ctx, "stored tokens unusable, authorization required", "reason", reason)
		_, err := m.Authorize(ctx)
		return err
	}

	if tokens.AccessExpired(now) {
		m.writeMu.Lock()
		err := m.refreshLocked(ctx, tokens.RefreshToken)
		m.writeMu.Unlock()
		if err == nil {
			return nil
		}
		slog.WarnContext(ctx, "refreshing stored tokens failed, authorization required", "error", err)
		_, err = m.Authorize(ctx)
		return err
	}

	m.writeMu.Lock()
	snap := m.publish(tokens)
	m.setState(StateValid)
	m.writeMu.Unlock()

	slog.InfoContext(ctx, "resumed from stored tokens",
		"generation", snap.Generation,
		"access_expires_at", snap.AccessExpiresAt.UTC(),
		"refresh_expires_at", snap.RefreshExpiresAt.UTC(),
	)
	return nil
}

// unusableReason explains why tokens cannot be resumed, or returns "".
func unusableReason(tokens tokenstore.TokenSet, now time.Time) string {
	switch {
	case tokens.IsSentinel():
		return "no stored tokens"
	case tokens.AccessToken == "" || tokens.RefreshToken == "":
		return "incomplete token set"
	case tokens.RefreshExpired(now):
		return "refresh token expired"
	default:
		return ""
	}
}

// Authorize runs the authorization-code grant: the code provider is shown the
// authorization URL, the returned code is exchanged, and the resulting token set
// is persisted and published. Failures are ErrAuth, ErrNetwork or ErrPersistence.
func (m *Manager) Authorize(ctx context.Context) (tokenstore.TokenSet, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "credentials.Authorize",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("oauth.grant_type", "authorization_code")),
	)
	defer span.End()

	prev := m.State()
	m.setState(StateAuthorizing)

	tokens, err := m.authorize(ctx)
	if err != nil {
		m.setState(prev)
		span.RecordError(err)
		span.SetStatus(codes.Error, "authorization failed")
		return tokenstore.TokenSet{}, err
	}

	snap := m.publish(tokens)
	m.unsaved = false
	m.setState(StateValid)

	slog.InfoContext(ctx, "authorized",
		"generation", snap.Generation,
		"access_expires_at", snap.AccessExpiresAt.UTC(),
		"refresh_expires_at", snap.RefreshExpiresAt.UTC(),
	)
	return tokens, nil
}

func (m *Manager) authorize(ctx context.Context) (tokenstore.TokenSet, error) {
	code, err := m.codes.AuthorizationCode(ctx, m.grants.AuthorizationURL())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return tokenstore.TokenSet{}, err
		}
		return tokenstore.TokenSet{}, fmt.Errorf("%w: obtaining authorization code: %w", ErrAuth, err)
	}

	tokens, err := m.grants.Exchange(ctx, code)
	if err != nil {
		return tokenstore.TokenSet{}, err
	}
	if err := tokens.Validate(); err != nil {
		return tokenstore.TokenSet{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	// Not published unless persisted, the next run would otherwise prompt again
	if err := m.store.Save(ctx, tokens); err != nil {
		return tokenstore.TokenSet{}, err
	}
	return tokens, nil
}
