package tokensource

import (
	"strings"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the OAuth base of the Schwab API.
const DefaultBaseURL = "https://api.schwabapi.com/v1"

// SchwabEndpoint defines the OAuth2 endpoints of the Schwab API.
var SchwabEndpoint = EndpointFromBaseURL(DefaultBaseURL)

// EndpointFromBaseURL derives the authorize and token endpoints from an OAuth
// base URL (e.g. https://api.example.com/v1 → /v1/oauth/authorize, /v1/oauth/token).
func EndpointFromBaseURL(baseURL string) oauth2.Endpoint {
	base := strings.TrimRight(baseURL, "/")
	return oauth2.Endpoint{
		AuthURL:   base + "/oauth/authorize",
		TokenURL:  base + "/oauth/token",
		AuthStyle: oauth2.AuthStyleInHeader, // HTTP Basic with client id and secret
	}
}
