package credentials

import (
	"errors"

	"github.com/florianilch/tokenkeeper/internal/tokensource"
	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

// Error taxonomy. Inspect with errors.Is.
var (
	// ErrConfig reports missing or invalid client credentials. Fatal at construction.
	ErrConfig = tokensource.ErrConfig
	// ErrAuth reports an authorization exchange without code or token fields.
	ErrAuth = tokensource.ErrAuth
	// ErrNetwork reports a transport failure or non-success status from the token endpoint.
	ErrNetwork = tokensource.ErrNetwork
	// ErrPersistence reports a token set that could not be written.
	ErrPersistence = tokenstore.ErrPersistence
	// ErrTransientRefresh wraps any failure of a scheduled refresh. It is logged, never returned to readers.
	ErrTransientRefresh = errors.New("scheduled token refresh failed")
)

var errNotInitialized = errors.New("credentials not initialized")
