package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPersistence is wrapped by every Save failure. Losing a write means the
// next run has to re-authorize interactively, so callers treat it as fatal.
var ErrPersistence = errors.New("token persistence failed")

// TokenSet is the access/refresh token pair together with their expiries.
type TokenSet struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Sentinel returns the never-initialized token set. Both expiries are the Unix
// epoch, so the set is expired for any realistic clock.
func Sentinel() TokenSet {
	epoch := time.Unix(0, 0)
	return TokenSet{
		AccessExpiresAt:  epoch,
		RefreshExpiresAt: epoch,
	}
}

// IsSentinel reports whether the set has never been initialized.
func (t TokenSet) IsSentinel() bool {
	return t.AccessToken == "" && t.RefreshToken == "" && t.AccessExpiresAt.Unix() <= 0
}

// AccessExpired reports whether the access token has expired at now.
func (t TokenSet) AccessExpired(now time.Time) bool {
	return !now.Before(t.AccessExpiresAt)
}

// RefreshExpired reports whether the refresh token has expired at now.
func (t TokenSet) RefreshExpired(now time.Time) bool {
	return !now.Before(t.RefreshExpiresAt)
}

// Validate checks the invariants of a minted or refreshed token set.
func (t TokenSet) Validate() error {
	if t.AccessToken == "" {
		return errors.New("empty access token")
	}
	if t.RefreshToken == "" {
		return errors.New("empty refresh token")
	}
	if t.AccessExpiresAt.After(t.RefreshExpiresAt) {
		return fmt.Errorf("access token expiry %s is after refresh token expiry %s",
			t.AccessExpiresAt.UTC().Format(time.RFC3339), t.RefreshExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// record is the on-disk schema. Its four keys are stable across versions.
type record struct {
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	AccessTokenExpiration  int64  `json:"access_token_expiration"`
	RefreshTokenExpiration int64  `json:"refresh_token_expiration"`
}

// MarshalJSON encodes the set using the persisted schema with expiries as Unix seconds.
func (t TokenSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		AccessToken:            t.AccessToken,
		RefreshToken:           t.RefreshToken,
		AccessTokenExpiration:  t.AccessExpiresAt.Unix(),
		RefreshTokenExpiration: t.RefreshExpiresAt.Unix(),
	})
}

// UnmarshalJSON decodes the persisted schema. Missing keys decode to their zero
// value, so a partial document behaves like an expired set.
func (t *TokenSet) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*t = TokenSet{
		AccessToken:      r.AccessToken,
		RefreshToken:     r.RefreshToken,
		AccessExpiresAt:  time.Unix(r.AccessTokenExpiration, 0),
		RefreshExpiresAt: time.Unix(r.RefreshTokenExpiration, 0),
	}
	return nil
}

// encode renders the human-readable document written by every backend.
func encode(tokens TokenSet) ([]byte, error) {
	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
