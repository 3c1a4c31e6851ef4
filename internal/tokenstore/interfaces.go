package tokenstore

import "context"

// TokenStore reads and writes token sets to persistent storage.
type TokenStore interface {
	// Load returns the stored token set. Returns Sentinel() and no error if
	// nothing has been stored yet.
	Load(ctx context.Context) (TokenSet, error)

	// Save persists the token set, replacing any previous value.
	// Failures wrap ErrPersistence.
	Save(ctx context.Context, tokens TokenSet) error
}
