package config

import (
	"os"
	"testing"
	"time"

	"github.com/solatis/attributor/internal/types"
	"github.com/spf13/pflag"
)

func TestHMACSecrets(t *testing.T) {
	// Clean environment
	os.Unsetenv("AT_HMAC_SECRET")
	os.Unsetenv("AT_HMAC_SECRET_1")
	os.Unsetenv("AT_HMAC_SECRET_2")

	t.Run("single secret", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET", "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 1 {
			t.Errorf("expected 1 secret, got %d", len(secrets))
		}
		if _, ok := secrets["0123456789abcdef0123456789abcdef"]; !ok {
			t.Errorf("secret_id not found in map")
		}
	})

	t.Run("multiple numbered secrets", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET_1", "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		os.Setenv("AT_HMAC_SECRET_2", "fedcba9876543210fedcba9876543210:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET_1")
		defer os.Unsetenv("AT_HMAC_SECRET_2")

		secrets, err := HMACSecrets()
		if err != nil {
			t.Fatalf("HMACSecrets failed: %v", err)
		}
		if len(secrets) != 2 {
			t.Errorf("expected 2 secrets, got %d", len(secrets))
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET", "invalid_format")
		defer os.Unsetenv("AT_HMAC_SECRET")

		_, err := HMACSecrets()
		if err == nil {
			t.Error("expected error for invalid format")
		}
	})

	t.Run("invalid secret_id length", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET", "short:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET")

		_, err := HMACSecrets()
		if err == nil {
			t.Error("expected error for short secret_id")
		}
	})

	t.Run("non-hex secret_id", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET", "0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET")

		_, err := HMACSecrets()
		if err == nil {
			t.Error("expected error for non-hex secret_id")
		}
	})

	t.Run("duplicate secret_id in numbered secrets", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET_1", "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		os.Setenv("AT_HMAC_SECRET_2", "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET_1")
		defer os.Unsetenv("AT_HMAC_SECRET_2")

		_, err := HMACSecrets()
		if err == nil {
			t.Error("expected error for duplicate secret_id")
		}
	})

	t.Run("duplicate secret_id between single and numbered", func(t *testing.T) {
		os.Setenv("AT_HMAC_SECRET", "0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		os.Setenv("AT_HMAC_SECRET_1", "0123456789abcdef0123456789abcdef:YW5vdGhlcnNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		defer os.Unsetenv("AT_HMAC_SECRET")
		defer os.Unsetenv("AT_HMAC_SECRET_1")

		_, err := HMACSecrets()
		if err == nil {
			t.Error("expected error for duplicate secret_id between AT_HMAC_SECRET and AT_HMAC_SECRET_1")
		}
	})
}

func TestLoadConfig(t *testing.T) {
	os.Unsetenv("AT_SERVER_HOST")
	os.Unsetenv("AT_SERVER_PORT")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
		}
		if cfg.Server.Port != 50061 {
			t.Errorf("expected port 50061, got %d", cfg.Server.Port)
		}
		if cfg.Server.RequestTimeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", cfg.Server.RequestTimeout)
		}
		if cfg.Engine != DefaultSnapshot() {
			t.Errorf("expected default engine snapshot, got %+v", cfg.Engine)
		}
		if cfg.Engine.DeliveryHorizon != 28*24*time.Hour {
			t.Errorf("expected delivery horizon 28d, got %v", cfg.Engine.DeliveryHorizon)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		os.Setenv("AT_SERVER_PORT", "9999")
		os.Setenv("AT_ATTRIBUTION_MAX_ATTRIBUTIONS_PER_WINDOW", "3")
		os.Setenv("AT_ATTRIBUTION_EVENT_REPORTING_ENABLED", "false")
		defer os.Unsetenv("AT_SERVER_PORT")
		defer os.Unsetenv("AT_ATTRIBUTION_MAX_ATTRIBUTIONS_PER_WINDOW")
		defer os.Unsetenv("AT_ATTRIBUTION_EVENT_REPORTING_ENABLED")

		cfg, err := LoadConfig("", nil)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 9999 {
			t.Errorf("expected port 9999, got %d", cfg.Server.Port)
		}
		if cfg.Engine.MaxAttributionsPerWindow != 3 {
			t.Errorf("expected max attributions 3, got %d", cfg.Engine.MaxAttributionsPerWindow)
		}
		if cfg.Engine.EventReportingEnabled {
			t.Errorf("expected event reporting disabled")
		}
	})

	t.Run("flag override", func(t *testing.T) {
		os.Setenv("AT_SERVER_PORT", "9999")
		defer os.Unsetenv("AT_SERVER_PORT")

		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.Int("port", 50061, "")
		if err := flags.Parse([]string{"--port", "7000"}); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig("", flags)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Server.Port != 7000 {
			t.Errorf("expected flag port 7000, got %d", cfg.Server.Port)
		}
	})

	t.Run("invalid port range", func(t *testing.T) {
		os.Setenv("AT_SERVER_PORT", "70000")
		defer os.Unsetenv("AT_SERVER_PORT")

		_, err := LoadConfig("", nil)
		if err == nil {
			t.Error("expected error for port > 65535")
		}
	})

	t.Run("invalid delay range", func(t *testing.T) {
		os.Setenv("AT_ATTRIBUTION_AGGREGATE_REPORT_MIN_DELAY", "1h")
		defer os.Unsetenv("AT_ATTRIBUTION_AGGREGATE_REPORT_MIN_DELAY")

		_, err := LoadConfig("", nil)
		if err == nil {
			t.Error("expected error for min delay above max delay")
		}
	})
}

func TestSnapshot_MaxInformationGain(t *testing.T) {
	s := DefaultSnapshot()
	if got := s.MaxInformationGain(types.SourceTypeNavigation); got != s.MaxInformationGainNavigation {
		t.Errorf("navigation cap = %v", got)
	}
	if got := s.MaxInformationGain(types.SourceTypeEvent); got != s.MaxInformationGainEvent {
		t.Errorf("event cap = %v", got)
	}
}

func TestParseHMACSecretWithID(t *testing.T) {
	t.Run("valid format", func(t *testing.T) {
		secretID, secret, err := ParseHMACSecretWithID("0123456789abcdef0123456789abcdef:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err != nil {
			t.Fatalf("ParseHMACSecretWithID failed: %v", err)
		}
		if secretID != "0123456789abcdef0123456789abcdef" {
			t.Errorf("unexpected secret_id: %s", secretID)
		}
		if len(secret) == 0 {
			t.Error("secret should not be empty")
		}
	})

	t.Run("missing colon", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("0123456789abcdef0123456789abcdef")
		if err == nil {
			t.Error("expected error for missing colon")
		}
	})

	t.Run("invalid secret_id length", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("tooshort:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err == nil {
			t.Error("expected error for short secret_id")
		}
	})

	t.Run("non-hex chars in secret_id", func(t *testing.T) {
		_, _, err := ParseHMACSecretWithID("0123456789abcdefGHIJKLMNOPQRSTUV:dGVzdHNlY3JldDEyMzQ1Njc4OTBhYmNkZWZnaGlqa2xtbm9w")
		if err == nil {
			t.Error("expected error for non-hex secret_id")
		}
	})
}
