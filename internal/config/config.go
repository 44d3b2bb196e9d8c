// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Credits   CreditsConfig   `json:"credits,omitempty"`
	Providers ProvidersConfig `json:"providers"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	MaxUploadBytes int64    `json:"max_upload_bytes,omitempty"` // max multipart image upload; default 10MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	JWTExpiry      Duration `json:"jwt_expiry,omitempty"`
	GoogleClientID string   `json:"google_client_id,omitempty"` // enables POST /api/auth/google
	GoogleJWKSURL  string   `json:"google_jwks_url,omitempty"`  // override for tests
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "aihub.db" or ":memory:"
}

// CreditsConfig defines the credit economy amounts.
type CreditsConfig struct {
	SignupGrant   int      `json:"signup_grant,omitempty"`   // default 10
	ReferredGrant int      `json:"referred_grant,omitempty"` // signup grant with a valid referral code; default 15
	ReferrerBonus int      `json:"referrer_bonus,omitempty"` // paid to the referrer; default 5
	DailyBonus    int      `json:"daily_bonus,omitempty"`    // default 2
	BonusCooldown Duration `json:"bonus_cooldown,omitempty"` // default 24h
	ActionCost    int      `json:"action_cost,omitempty"`    // cost of one paid action; default 1
}

// ProvidersConfig defines the external AI/image service settings.
type ProvidersConfig struct {
	Chat     ChatProviderConfig     `json:"chat"`
	Image    ImageProviderConfig    `json:"image"`
	RemoveBG RemoveBGProviderConfig `json:"remove_bg"`
}

// ChatProviderConfig configures the OpenAI-compatible chat completion service.
type ChatProviderConfig struct {
	BaseURL string   `json:"base_url,omitempty"` // default Groq API
	APIKey  string   `json:"api_key"`
	Model   string   `json:"model,omitempty"`   // default "llama-3.1-8b-instant"
	Timeout Duration `json:"timeout,omitempty"` // default 30s
}

// ImageProviderConfig configures the prompt-to-image render service.
type ImageProviderConfig struct {
	BaseURL string   `json:"base_url,omitempty"` // default Pollinations
	Timeout Duration `json:"timeout,omitempty"`  // default 30s
}

// RemoveBGProviderConfig configures the background removal service.
type RemoveBGProviderConfig struct {
	BaseURL string   `json:"base_url,omitempty"` // default remove.bg
	APIKey  string   `json:"api_key"`
	Timeout Duration `json:"timeout,omitempty"` // default 30s
}

// BillingConfig defines Stripe billing settings. Disabled by default.
type BillingConfig struct {
	Enabled             bool   `json:"enabled,omitempty"`
	StripeSecretKey     string `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret string `json:"stripe_webhook_secret,omitempty"`
	StripeBaseURL       string `json:"stripe_base_url,omitempty"` // override for tests
	ClientURL           string `json:"client_url,omitempty"`      // checkout success/cancel redirect base
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Billing.Enabled && c.Billing.StripeSecretKey == "" {
		return fmt.Errorf("billing.stripe_secret_key is required when billing is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "aihub.db"
	}
	if c.Credits.SignupGrant == 0 {
		c.Credits.SignupGrant = 10
	}
	if c.Credits.ReferredGrant == 0 {
		c.Credits.ReferredGrant = 15
	}
	if c.Credits.ReferrerBonus == 0 {
		c.Credits.ReferrerBonus = 5
	}
	if c.Credits.DailyBonus == 0 {
		c.Credits.DailyBonus = 2
	}
	if c.Credits.BonusCooldown.Duration == 0 {
		c.Credits.BonusCooldown.Duration = 24 * time.Hour
	}
	if c.Credits.ActionCost == 0 {
		c.Credits.ActionCost = 1
	}
	if c.Providers.Chat.BaseURL == "" {
		c.Providers.Chat.BaseURL = "https://api.groq.com/openai/v1"
	}
	if c.Providers.Chat.Model == "" {
		c.Providers.Chat.Model = "llama-3.1-8b-instant"
	}
	if c.Providers.Chat.Timeout.Duration == 0 {
		c.Providers.Chat.Timeout.Duration = 30 * time.Second
	}
	if c.Providers.Image.BaseURL == "" {
		c.Providers.Image.BaseURL = "https://image.pollinations.ai"
	}
	if c.Providers.Image.Timeout.Duration == 0 {
		c.Providers.Image.Timeout.Duration = 30 * time.Second
	}
	if c.Providers.RemoveBG.BaseURL == "" {
		c.Providers.RemoveBG.BaseURL = "https://api.remove.bg/v1.0"
	}
	if c.Providers.RemoveBG.Timeout.Duration == 0 {
		c.Providers.RemoveBG.Timeout.Duration = 30 * time.Second
	}
	if c.Billing.StripeBaseURL == "" {
		c.Billing.StripeBaseURL = "https://api.stripe.com"
	}
	if c.Billing.ClientURL == "" {
		c.Billing.ClientURL = "http://localhost:5173"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 * 1024 * 1024 // 10MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
