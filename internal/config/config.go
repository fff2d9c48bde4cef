package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL,required"` // e.g. https://collector.example.com

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/collector.db"`

	// OAuth (Microsoft identity platform)
	ClientID     string `env:"MS_CLIENT_ID,required"`
	ClientSecret string `env:"MS_CLIENT_SECRET,required"`
	Tenant       string `env:"MS_TENANT" envDefault:"common"`

	// Forwarding
	ForwardTo           string        `env:"FORWARD_TO,required"` // consolidated destination mailbox
	ForwardDelay        time.Duration `env:"FORWARD_DELAY" envDefault:"400ms"`
	DeliveryConcurrency int           `env:"DELIVERY_CONCURRENCY" envDefault:"1"`
	MaxForwardAttempts  int64         `env:"MAX_FORWARD_ATTEMPTS" envDefault:"3"`

	// Content filter
	AllowedSenders  []string `env:"ALLOWED_SENDERS" envSeparator:","`
	AllowedDomains  []string `env:"ALLOWED_DOMAINS" envSeparator:","`
	SubjectKeywords []string `env:"SUBJECT_KEYWORDS" envSeparator:","`

	// Subscription renewal
	RenewalInterval time.Duration `env:"RENEWAL_INTERVAL" envDefault:"1h"`
	RenewalHorizon  time.Duration `env:"RENEWAL_HORIZON" envDefault:"12h"`

	// Incremental sync safety net
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"6h"`

	// Operator notices (SMTP submission)
	SMTPAddr         string `env:"SMTP_ADDR"` // host:port, e.g. smtp.example.com:587
	SMTPUsername     string `env:"SMTP_USERNAME"`
	SMTPPassword     string `env:"SMTP_PASSWORD"`
	SMTPFrom         string `env:"SMTP_FROM"`
	OperatorEmail    string `env:"OPERATOR_EMAIL"`
	ErrorNoticeEvery int64  `env:"ERROR_NOTICE_EVERY" envDefault:"10"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// NoticesEnabled returns true if operator email notices are configured
func (c *Config) NoticesEnabled() bool {
	return c.SMTPAddr != "" && c.SMTPFrom != "" && c.OperatorEmail != ""
}

// WebhookURL returns the public notification endpoint registered with the provider
func (c *Config) WebhookURL() string {
	return c.PublicBaseURL + "/webhooks/mail"
}

// OAuthRedirectURL returns the public OAuth callback endpoint
func (c *Config) OAuthRedirectURL() string {
	return c.PublicBaseURL + "/oauth/callback"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	if cfg.DeliveryConcurrency < 1 {
		cfg.DeliveryConcurrency = 1
	}

	return cfg, nil
}
