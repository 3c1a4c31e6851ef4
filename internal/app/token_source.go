package app

import (
	"fmt"

	"golang.org/x/oauth2"

	"github.com/florianilch/tokenkeeper/internal/credentials"
)

// SnapshotSource is the read side of credentials.Manager.
type SnapshotSource interface {
	Snapshot() credentials.Snapshot
}

// ManagedTokenSource exposes the managed access token as an oauth2.TokenSource.
// It never refreshes on its own: the refresh loop keeps the snapshot fresh, and
// readers keep receiving the previous token while a refresh is in flight.
type ManagedTokenSource struct {
	source SnapshotSource
}

// Compile-time check to ensure ManagedTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*ManagedTokenSource)(nil)

// NewManagedTokenSource creates a ManagedTokenSource. No I/O is performed.
func NewManagedTokenSource(source SnapshotSource) (*ManagedTokenSource, error) {
	if source == nil {
		return nil, fmt.Errorf("missing snapshot source")
	}
	return &ManagedTokenSource{source: source}, nil
}

// Token returns the current access token.
func (s *ManagedTokenSource) Token() (*oauth2.Token, error) {
	// Hot path: lock-free atomic read
	snap := s.source.Snapshot()
	if snap.IsSentinel() || snap.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token available", credentials.ErrAuth)
	}

	return &oauth2.Token{
		AccessToken: snap.AccessToken,
		TokenType:   "Bearer",
		Expiry:      snap.AccessExpiresAt,
	}, nil
}
