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
)

// Start launches the background refresh loop and returns immediately.
// The loop runs until ctx is canceled or Stop is called. Init must have succeeded.
func (m *Manager) Start(ctx context.Context) error {
	if m.current.Load() == nil {
		return fmt.Errorf("starting refresh scheduler: %w", errNotInitialized)
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.done != nil {
		select {
		case <-m.done:
			// Exited after its parent context was canceled
			m.cancel()
		default:
			return errors.New("refresh scheduler already running")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go m.run(runCtx, done)
	return nil
}

// Stop signals the refresh loop and waits for it to exit, bounded by ctx.
// An in-flight refresh is bounded by the refresh timeout.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		m.runMu.Lock()
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		m.runMu.Unlock()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for refresh scheduler: %w", ctx.Err())
	}
}

// Running reports whether the refresh loop is active.
func (m *Manager) Running() bool {
	m.runMu.Lock()
	done := m.done
	m.runMu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *Manager) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	slog.InfoContext(ctx, "refresh scheduler started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "refresh scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// tick performs one expiry check. Failures are logged and retried next tick.
func (m *Manager) tick(ctx context.Context) {
	m.retryUnsaved(ctx)

	now := m.now()
	snap := m.Snapshot()

	if snap.RefreshExpired(now) {
		m.setState(StateExpired)
		if m.reauthorize {
			slog.WarnContext(ctx, "refresh token expired, re-authorizing", "refresh_expires_at", snap.RefreshExpiresAt.UTC())
			if _, err := m.Authorize(ctx); err != nil {
				slog.ErrorContext(ctx, "re-authorization failed, retrying next tick", "error", err)
			}
			return
		}
	}

	if snap.AccessExpired(now) {
		if err := m.refresh(ctx); err != nil {
			slog.WarnContext(ctx, "token refresh failed, retrying next tick", "error", err)
		}
	}
}

// RefreshNow runs the refresh grant immediately, regardless of expiry.
// It is used by one-shot callers that do not run the refresh loop.
func (m *Manager) RefreshNow(ctx context.Context) error {
	if m.current.Load() == nil {
		return fmt.Errorf("refreshing tokens: %w", errNotInitialized)
	}
	m.retryUnsaved(ctx)
	return m.refresh(ctx)
}

// refresh runs the refresh grant and replaces the current generation on success.
// The network call is detached from ctx cancellation but bounded by the refresh timeout.
func (m *Manager) refresh(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	return m.refreshLocked(ctx, m.Snapshot().RefreshToken)
}

// refreshLocked redeems refreshToken and publishes the result. Callers hold writeMu.
func (m *Manager) refreshLocked(ctx context.Context, refreshToken string) error {
	prev := m.Snapshot()
	prevState := m.State()
	m.setState(StateRefreshing)

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
	defer cancel()

	callCtx, span := m.tracer.Start(callCtx, "credentials.Refresh",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("oauth.grant_type", "refresh_token"),
			attribute.Int64("credentials.generation", int64(prev.Generation)),
		),
	)
	defer span.End()

	slog.DebugContext(callCtx, "refreshing access token", "generation", prev.Generation)

	tokens, err := m.grants.Refresh(callCtx, refreshToken)
	if err == nil {
		if verr := tokens.Validate(); verr != nil {
			err = fmt.Errorf("%w: %w", ErrAuth, verr)
		}
	}
	if err != nil {
		m.setState(prevState)
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		return fmt.Errorf("%w: %w", ErrTransientRefresh, err)
	}

	snap := m.publish(tokens)
	m.setState(StateValid)

	slog.InfoContext(callCtx, "refreshed access token",
		"generation", snap.Generation,
		"access_expires_at", snap.AccessExpiresAt.UTC(),
		"refresh_expires_at", snap.RefreshExpiresAt.UTC(),
	)

	// Fresh tokens stay in use even if they cannot be written, retried on later ticks
	if err := m.store.Save(callCtx, tokens); err != nil {
		m.unsaved = true
		span.RecordError(err)
		slog.ErrorContext(callCtx, "failed to persist refreshed tokens", "error", err)
	} else {
		m.unsaved = false
	}
	return nil
}

// retryUnsaved persists the current generation if an earlier save failed.
func (m *Manager) retryUnsaved(ctx context.Context) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.unsaved {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
	defer cancel()

	if err := m.store.Save(saveCtx, m.Snapshot().TokenSet); err != nil {
		slog.ErrorContext(ctx, "failed to persist tokens, retrying next tick", "error", err)
		return
	}
	m.unsaved = false
	slog.InfoContext(ctx, "persisted tokens after earlier failure")
}
