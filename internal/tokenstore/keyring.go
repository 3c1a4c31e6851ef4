package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage for token sets.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements TokenStore
var _ TokenStore = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// (macOS Keychain, Windows Credential Manager, etc.) using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Load returns the token set from the system keyring. A missing entry yields Sentinel().
func (k *KeyringStore) Load(ctx context.Context) (TokenSet, error) {
	if err := ctx.Err(); err != nil {
		return TokenSet{}, err
	}

	secret, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return Sentinel(), nil
	}
	if err != nil {
		return TokenSet{}, err
	}

	if secret == "" {
		return Sentinel(), nil
	}

	var tokens TokenSet
	if err := json.Unmarshal([]byte(secret), &tokens); err != nil {
		return TokenSet{}, fmt.Errorf("decoding keyring entry for service %s, user %s: %w", k.service, k.user, err)
	}
	return tokens, nil
}

// Save persists the token set to the system keyring, overwriting any existing value.
func (k *KeyringStore) Save(ctx context.Context, tokens TokenSet) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	data, err := encode(tokens)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if err := keyring.Set(k.service, k.user, string(data)); err != nil {
		return fmt.Errorf("%w: keyring service %s: %w", ErrPersistence, k.service, err)
	}
	return nil
}
