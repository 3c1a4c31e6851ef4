package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/tokenkeeper/internal/credentials"
	"github.com/florianilch/tokenkeeper/internal/marketdata"
	"github.com/florianilch/tokenkeeper/internal/observability"
	"github.com/florianilch/tokenkeeper/internal/tokensource"
	"github.com/florianilch/tokenkeeper/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// TokenStorageType represents the different storage types supported for token sets.
type TokenStorageType string

const (
	TokenStorageTypeFile    TokenStorageType = "file"
	TokenStorageTypeKeyring TokenStorageType = "keyring"
)

// keyringService names the keyring entry holding the token set.
const keyringService = "tokenkeeper"

// Default configuration values
const (
	DefaultConfigLogFormat             = LogFormatText
	DefaultConfigLogExporter           = observability.ExporterNone
	DefaultConfigServerHost            = "127.0.0.1"
	DefaultConfigServerPort            = 4180
	DefaultConfigShutdownTimeout       = 5 * time.Second
	DefaultConfigOAuthBaseURL          = tokensource.DefaultBaseURL
	DefaultConfigOAuthTimeout          = tokensource.DefaultRequestTimeout
	DefaultConfigAccessTokenLifetime   = tokensource.DefaultAccessTokenLifetime
	DefaultConfigRefreshTokenLifetime  = tokensource.DefaultRefreshTokenLifetime
	DefaultConfigRefreshInterval       = credentials.DefaultPollInterval
	DefaultConfigRefreshTimeout        = credentials.DefaultRefreshTimeout
	DefaultConfigStorageType           = TokenStorageTypeFile
	DefaultConfigMarketDataBaseURL     = marketdata.DefaultBaseURL
	DefaultConfigMarketDataTimeout     = marketdata.DefaultTimeout
	DefaultConfigPreferServerLifetime  = true
	DefaultConfigReauthorizeOnExpiry   = true
	DefaultConfigAllowNonTerminalInput = false
)

// ServerConfig holds configuration of the local bearer proxy.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host" validate:"hostname_rfc1123|ip"`
	Port    uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// OAuthConfig describes the confidential client and its token endpoint.
type OAuthConfig struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RedirectURI  string `json:"redirect_uri" validate:"required,url"`
	BaseURL      string `json:"base_url" validate:"required,url"`

	// Timeout bounds each token endpoint call.
	Timeout time.Duration `json:"timeout"`

	// Fallback lifetimes, used as-is when PreferServerLifetime is false.
	AccessTokenLifetime  time.Duration `json:"access_token_lifetime"`
	RefreshTokenLifetime time.Duration `json:"refresh_token_lifetime"`
	PreferServerLifetime *bool         `json:"prefer_server_lifetime,omitempty"`

	// AllowNonTerminalInput lets the authorization prompt read from a pipe.
	AllowNonTerminalInput *bool `json:"allow_non_terminal_input,omitempty"`
}

// RefreshConfig holds the background refresh loop settings.
type RefreshConfig struct {
	Interval            time.Duration `json:"interval"`
	Timeout             time.Duration `json:"timeout"`
	ReauthorizeOnExpiry *bool         `json:"reauthorize_on_expiry,omitempty"`
}

// StorageConfig describes where the token set is persisted.
type StorageConfig struct {
	Type TokenStorageType `json:"type" validate:"required,oneof=file keyring"`

	// Storage-specific settings (mutually exclusive based on Type)
	File        string `json:"file,omitempty"`         // For file storage: path to token file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring storage: user identifier
}

// NewTokenStore creates a TokenStore from the storage configuration.
func (s *StorageConfig) NewTokenStore() (tokenstore.TokenStore, error) {
	switch s.Type {
	case TokenStorageTypeFile:
		return tokenstore.NewFileStore(s.File)
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyringStore(keyringService, s.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

// MarketDataConfig holds the request layer settings.
type MarketDataConfig struct {
	BaseURL string        `json:"base_url" validate:"required,url"`
	Timeout time.Duration `json:"timeout"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level             `json:"log_level"`
	LogFormat   LogFormat              `json:"log_format" validate:"oneof=text json"`
	LogExporter observability.Exporter `json:"log_exporter" validate:"oneof=none stdout otlp-grpc otlp-http"`
	Server      ServerConfig           `json:"server"`
	Shutdown    ShutdownConfig         `json:"shutdown"`
	OAuth       OAuthConfig            `json:"oauth"`
	Refresh     RefreshConfig          `json:"refresh"`
	Storage     StorageConfig          `json:"storage"`
	MarketData  MarketDataConfig       `json:"marketdata"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.OAuth.BaseURL == "" {
		c.OAuth.BaseURL = DefaultConfigOAuthBaseURL
	}
	if c.OAuth.Timeout == 0 {
		c.OAuth.Timeout = DefaultConfigOAuthTimeout
	}
	if c.OAuth.AccessTokenLifetime == 0 {
		c.OAuth.AccessTokenLifetime = DefaultConfigAccessTokenLifetime
	}
	if c.OAuth.RefreshTokenLifetime == 0 {
		c.OAuth.RefreshTokenLifetime = DefaultConfigRefreshTokenLifetime
	}
	if c.OAuth.PreferServerLifetime == nil {
		c.OAuth.PreferServerLifetime = boolPtr(DefaultConfigPreferServerLifetime)
	}
	if c.OAuth.AllowNonTerminalInput == nil {
		c.OAuth.AllowNonTerminalInput = boolPtr(DefaultConfigAllowNonTerminalInput)
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = DefaultConfigRefreshInterval
	}
	if c.Refresh.Timeout == 0 {
		c.Refresh.Timeout = DefaultConfigRefreshTimeout
	}
	if c.Refresh.ReauthorizeOnExpiry == nil {
		c.Refresh.ReauthorizeOnExpiry = boolPtr(DefaultConfigReauthorizeOnExpiry)
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorageType
	}
	if c.MarketData.BaseURL == "" {
		c.MarketData.BaseURL = DefaultConfigMarketDataBaseURL
	}
	if c.MarketData.Timeout == 0 {
		c.MarketData.Timeout = DefaultConfigMarketDataTimeout
	}

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case TokenStorageTypeFile:
		if c.Storage.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
			}
			c.Storage.File = filepath.Join(configDir, "tokenkeeper", "tokens.json")
		}
	case TokenStorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Storage.KeyringUser = currentUser.Username
		}
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
// Errors wrap credentials.ErrConfig.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", credentials.ErrConfig, err)
	}

	if err := c.Credentials().Validate(); err != nil {
		return err
	}

	if c.OAuth.AccessTokenLifetime > c.OAuth.RefreshTokenLifetime {
		return fmt.Errorf("%w: oauth.access_token_lifetime exceeds oauth.refresh_token_lifetime", credentials.ErrConfig)
	}
	if c.Refresh.Interval < 0 || c.Refresh.Timeout < 0 || c.OAuth.Timeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", credentials.ErrConfig)
	}

	switch c.Storage.Type {
	case TokenStorageTypeFile:
		if c.Storage.File == "" {
			return errors.Join(credentials.ErrConfig, errors.New("file path required for file storage"))
		}
	case TokenStorageTypeKeyring:
		if c.Storage.KeyringUser == "" {
			return errors.Join(credentials.ErrConfig, errors.New("keyring_user required for keyring storage"))
		}
	}

	return nil
}

// Credentials returns the OAuth client credentials.
func (c *Config) Credentials() tokensource.Credentials {
	return tokensource.Credentials{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		RedirectURI:  c.OAuth.RedirectURI,
	}
}

// LifetimePolicy returns the token lifetime policy.
func (c *Config) LifetimePolicy() tokensource.LifetimePolicy {
	return tokensource.LifetimePolicy{
		AccessTTL:    c.OAuth.AccessTokenLifetime,
		RefreshTTL:   c.OAuth.RefreshTokenLifetime,
		PreferServer: c.OAuth.PreferServerLifetime == nil || *c.OAuth.PreferServerLifetime,
	}
}

func boolPtr(v bool) *bool {
	return &v
}
