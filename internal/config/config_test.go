package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		RenderTimeout: 5 * time.Minute,
		TaskExpiry:    30 * time.Minute,
	}
}

func TestValidateWebhookSecret(t *testing.T) {
	cfg := validConfig()
	cfg.WebhookEnabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for enabled webhook with empty secret")
	}

	cfg.WebhookSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	cfg = validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled webhook should not require a secret: %v", err)
	}
}

func TestValidateTaskExpiry(t *testing.T) {
	cfg := validConfig()
	cfg.TaskExpiry = cfg.RenderTimeout
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when task expiry does not exceed render timeout")
	}

	cfg.TaskExpiry = cfg.RenderTimeout + time.Minute
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
