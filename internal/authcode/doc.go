// Package authcode obtains the one-time authorization code that starts the
// OAuth2 authorization-code grant.
//
// The operator opens the authorization URL in a browser, approves access and
// is redirected to the client's callback URL. Providers hand the resulting
// redirect URL back so ExtractCode can pull the code out of it. Console
// prompts on a terminal; Static serves scripted runs and tests.
package authcode
