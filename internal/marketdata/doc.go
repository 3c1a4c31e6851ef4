// Package marketdata is a read-only client for the market data endpoints.
//
// Every request carries the current bearer token from an oauth2.TokenSource,
// typically backed by a credentials.Manager that keeps it fresh in the
// background. Responses are returned unparsed as json.RawMessage.
//
//	client, err := marketdata.New(tokenSource, marketdata.WithTimeout(5*time.Second))
//	quotes, err := client.Quotes(ctx, []string{"AAPL", "MSFT"}, "quote", false)
//
// Endpoints taking free-form Params reject unknown keys and missing required
// keys with ErrInvalidParams before any request is made.
package marketdata
