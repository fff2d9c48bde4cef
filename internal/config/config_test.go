package config

import (
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PUBLIC_BASE_URL", "https://collector.example.com")
	t.Setenv("MS_CLIENT_ID", "client-id")
	t.Setenv("MS_CLIENT_SECRET", "client-secret")
	t.Setenv("FORWARD_TO", "inbox@collector.example")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ForwardDelay != 400*time.Millisecond {
		t.Errorf("ForwardDelay = %v", cfg.ForwardDelay)
	}
	if cfg.DeliveryConcurrency != 1 {
		t.Errorf("DeliveryConcurrency = %d", cfg.DeliveryConcurrency)
	}
	if cfg.MaxForwardAttempts != 3 {
		t.Errorf("MaxForwardAttempts = %d", cfg.MaxForwardAttempts)
	}
	if cfg.RenewalInterval != time.Hour || cfg.RenewalHorizon != 12*time.Hour {
		t.Errorf("renewal = %v/%v", cfg.RenewalInterval, cfg.RenewalHorizon)
	}
	if cfg.Tenant != "common" {
		t.Errorf("Tenant = %q", cfg.Tenant)
	}
	if cfg.NoticesEnabled() {
		t.Error("notices enabled without SMTP settings")
	}
}

func TestLoadRejectsShortEncryptionKey(t *testing.T) {
	setRequired(t)
	t.Setenv("ENCRYPTION_KEY", "too-short")

	if _, err := Load(); err == nil {
		t.Fatal("want error for a short encryption key")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	setRequired(t)
	// t.Setenv registers the restore; the test itself needs the variable gone.
	t.Setenv("PUBLIC_BASE_URL", "")
	os.Unsetenv("PUBLIC_BASE_URL")

	if _, err := Load(); err == nil {
		t.Fatal("want error when PUBLIC_BASE_URL is missing")
	}
}

func TestLoadSplitsFilterLists(t *testing.T) {
	setRequired(t)
	t.Setenv("ALLOWED_SENDERS", "a@x.example,b@y.example")
	t.Setenv("ALLOWED_DOMAINS", "bank.example")
	t.Setenv("SUBJECT_KEYWORDS", "invoice,statement")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AllowedSenders) != 2 || cfg.AllowedSenders[1] != "b@y.example" {
		t.Errorf("AllowedSenders = %v", cfg.AllowedSenders)
	}
	if len(cfg.AllowedDomains) != 1 || len(cfg.SubjectKeywords) != 2 {
		t.Errorf("lists = %v / %v", cfg.AllowedDomains, cfg.SubjectKeywords)
	}
}

func TestDerivedURLs(t *testing.T) {
	cfg := &Config{PublicBaseURL: "https://collector.example.com"}
	if got := cfg.WebhookURL(); got != "https://collector.example.com/webhooks/mail" {
		t.Errorf("WebhookURL = %q", got)
	}
	if got := cfg.OAuthRedirectURL(); got != "https://collector.example.com/oauth/callback" {
		t.Errorf("OAuthRedirectURL = %q", got)
	}
}
