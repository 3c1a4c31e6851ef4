// Package credentials owns the lifecycle of the OAuth2 token pair.
//
// A Manager loads the last known TokenSet from a tokenstore.TokenStore, runs
// the interactive authorization-code grant when nothing usable is stored, and
// keeps the access token fresh from a background refresh loop:
//
//	m, _ := credentials.New(store, grants, authcode.NewConsole(os.Stdin, os.Stdout))
//	if err := m.Init(ctx); err != nil { ... }
//	if err := m.Start(ctx); err != nil { ... }
//	defer m.Stop(shutdownCtx)
//
//	req.Header.Set("Authorization", "Bearer "+m.AccessToken())
//
// # Concurrency
//
// The current TokenSet is an immutable Snapshot published through an atomic
// pointer. Readers never lock and always observe a complete generation.
// Writers (Authorize and the refresh loop) are serialized by a mutex that
// readers never touch.
//
// # States
//
//	Uninitialized → Authorizing → Valid ⇄ Refreshing
//	Valid → Expired → Authorizing   (refresh token lapsed)
//
// Refresh failures are never escalated: they are logged and retried on the
// next tick while the previous token stays in use.
package credentials
