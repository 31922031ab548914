package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{"SERVER_PORT", "PORT", "QUOTE_TTL", "CHAIN_CONFIRM_TIMEOUT", "ACTIVITY_RING_SIZE", "DEFAULT_LANGUAGE", "REDIS_KEY_PREFIX", "CONSUMER_WORKERS"} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.QuoteTTL != 30*time.Minute {
		t.Fatalf("expected default quote TTL 30m, got %s", cfg.QuoteTTL)
	}
	if cfg.ChainConfirmTimeout != 90*time.Second {
		t.Fatalf("expected default chain timeout 90s, got %s", cfg.ChainConfirmTimeout)
	}
	if cfg.ActivityRingSize != 500 {
		t.Fatalf("expected ring size 500, got %d", cfg.ActivityRingSize)
	}
	if cfg.DefaultLanguage != "en" {
		t.Fatalf("expected default language en, got %q", cfg.DefaultLanguage)
	}
	if cfg.RedisKeyPrefix != "hima" {
		t.Fatalf("expected redis prefix hima, got %q", cfg.RedisKeyPrefix)
	}
	if cfg.ConsumerWorkers != 8 {
		t.Fatalf("expected 8 consumer workers, got %d", cfg.ConsumerWorkers)
	}
}

func TestLoadConfig_PortAliasTakesPrecedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "7000" {
		t.Fatalf("expected PORT to override SERVER_PORT, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InvalidDurationsFallBack(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "QUOTE_TTL", "-5m")
	setEnvWithCleanup(t, "CHAIN_CONFIRM_TIMEOUT", "0s")
	setEnvWithCleanup(t, "CONSUMER_WORKERS", "-2")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QuoteTTL != 30*time.Minute {
		t.Fatalf("expected quote TTL fallback, got %s", cfg.QuoteTTL)
	}
	if cfg.ChainConfirmTimeout != 90*time.Second {
		t.Fatalf("expected chain timeout fallback, got %s", cfg.ChainConfirmTimeout)
	}
	if cfg.ConsumerWorkers != 8 {
		t.Fatalf("expected consumer worker fallback, got %d", cfg.ConsumerWorkers)
	}
}

func TestLoadConfig_NormalizesValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CHAIN_SIGNER_KEY", "0xabc123")
	setEnvWithCleanup(t, "DEFAULT_LANGUAGE", "SW")
	setEnvWithCleanup(t, "CURRENCY", "kes")
	setEnvWithCleanup(t, "WHATSAPP_API_BASE_URL", "https://graph.example.com/v19.0/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ChainSignerKey != "abc123" {
		t.Fatalf("expected 0x prefix stripped, got %q", cfg.ChainSignerKey)
	}
	if cfg.DefaultLanguage != "sw" {
		t.Fatalf("expected sw, got %q", cfg.DefaultLanguage)
	}
	if cfg.Currency != "KES" {
		t.Fatalf("expected KES, got %q", cfg.Currency)
	}
	if cfg.WhatsAppAPIBaseURL != "https://graph.example.com/v19.0" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.WhatsAppAPIBaseURL)
	}
}

func TestConfig_AllowedOriginsAndChainConfigured(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://a.example , ,https://b.example"}
	got := cfg.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", got)
	}
	if (Config{}).AllowedOrigins()[0] != "*" {
		t.Fatalf("expected wildcard default")
	}
	if cfg.ChainConfigured() {
		t.Fatalf("expected chain to be unconfigured")
	}
	cfg.ChainRPCURL, cfg.ChainContractAddress, cfg.ChainSignerKey, cfg.ChainID = "http://rpc", "0x1", "ab", 1
	if !cfg.ChainConfigured() {
		t.Fatalf("expected chain to be configured")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
