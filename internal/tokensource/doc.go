// Package tokensource performs the OAuth2 grants that mint and renew a
// TokenSet against a confidential-client token endpoint.
//
// The client authenticates with HTTP Basic (client id and secret) and sends
// form-encoded bodies, which is the golang.org/x/oauth2 AuthStyleInHeader mode:
//
//	POST /oauth/token  grant_type=authorization_code&code=<code>&redirect_uri=<uri>
//	POST /oauth/token  grant_type=refresh_token&refresh_token=<token>
//
// # Lifetimes
//
// Expiries are computed from a LifetimePolicy. By default a server supplied
// expires_in (and refresh_token_expires_in) wins over the fixed 30 minute
// and 7 day defaults; WithLifetimePolicy can force the fixed values.
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or custom timeouts):
//
//	c, err := tokensource.New(creds, tokensource.SchwabEndpoint,
//		tokensource.WithTransport(customTransport),
//	)
package tokensource
