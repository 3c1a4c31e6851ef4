// Package tokenstore provides persistent storage for OAuth2 token sets.
//
// Supports two writable backends with different security and deployment tradeoffs:
//   - File: Local JSON document with atomic writes and secure permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, etc.)
//
// Both backends persist the same four-key JSON document, so a token set can be
// moved between them by hand. A missing entry is not an error: Load returns the
// never-initialized Sentinel, which is expired by construction.
package tokenstore
