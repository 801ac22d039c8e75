// Package config provides configuration management for attributor services.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/solatis/attributor/internal/privacy"
	"github.com/solatis/attributor/internal/types"
)

// Config is the full process configuration.
type Config struct {
	Server      ServerConfig
	DatabaseURL string
	Log         LogConfig
	Delivery    DeliveryConfig
	Schedule    ScheduleConfig
	Engine      Snapshot
}

// ServerConfig holds configuration for the gRPC admin API.
type ServerConfig struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	MetricsAddr    string
}

// LogConfig selects zerolog level and output format (json, console).
type LogConfig struct {
	Level  string
	Format string
}

// DeliveryConfig tunes the outbound report sender.
type DeliveryConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ScheduleConfig sets sweep intervals for `serve --schedule`. Zero disables a loop.
type ScheduleConfig struct {
	Attribution       time.Duration
	EventDelivery     time.Duration
	AggregateDelivery time.Duration
}

// Snapshot is the immutable engine configuration handed to each sweep.
// Callers copy it by value; nothing in the engine mutates it.
type Snapshot struct {
	// Kill switches.
	AttributionEnabled        bool
	EventReportingEnabled     bool
	AggregateReportingEnabled bool

	// Rate limits over RateLimitWindow per (source site, destination site, reporting origin).
	RateLimitWindow             time.Duration
	MaxAttributionsPerWindow    int
	MaxDistinctReportingOrigins int

	// Per-destination pending report caps.
	MaxEventReportsPerDestination     int
	MaxAggregateReportsPerDestination int

	AggregateBudget         int64
	EventReportDelay        time.Duration
	AggregateReportMinDelay time.Duration
	AggregateReportMaxDelay time.Duration

	Epsilon                      float64
	MaxInformationGainEvent      float64
	MaxInformationGainNavigation float64

	BatchSize       int
	DeliveryHorizon time.Duration
}

// DefaultSnapshot returns engine configuration with default values.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		AttributionEnabled:                true,
		EventReportingEnabled:             true,
		AggregateReportingEnabled:         true,
		RateLimitWindow:                   30 * 24 * time.Hour,
		MaxAttributionsPerWindow:          100,
		MaxDistinctReportingOrigins:       10,
		MaxEventReportsPerDestination:     1024,
		MaxAggregateReportsPerDestination: 1024,
		AggregateBudget:                   types.MaxAggregatableValue,
		EventReportDelay:                  time.Hour,
		AggregateReportMinDelay:           0,
		AggregateReportMaxDelay:           10 * time.Minute,
		Epsilon:                           privacy.DefaultEpsilon,
		MaxInformationGainEvent:           privacy.MaxInformationGainEvent,
		MaxInformationGainNavigation:      privacy.MaxInformationGainNavigation,
		BatchSize:                         100,
		DeliveryHorizon:                   28 * 24 * time.Hour,
	}
}

// MaxInformationGain returns the information gain cap for a source type.
func (s Snapshot) MaxInformationGain(sourceType types.SourceType) float64 {
	if sourceType == types.SourceTypeNavigation {
		return s.MaxInformationGainNavigation
	}
	return s.MaxInformationGainEvent
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           50061,
			RequestTimeout: 30 * time.Second,
			MetricsAddr:    ":9090",
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Delivery: DeliveryConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 50,
			Burst:             10,
		},
		Schedule: ScheduleConfig{
			Attribution:       time.Minute,
			EventDelivery:     time.Hour,
			AggregateDelivery: time.Hour,
		},
		Engine: DefaultSnapshot(),
	}
}

// HMACSecrets extracts HMAC secrets from environment variables.
// Supports AT_HMAC_SECRET (single) and AT_HMAC_SECRET_N (rotation).
// Returns map of secret_id -> decoded secret bytes.
// Secret IDs are UUIDv7 (32 hex chars without hyphens) matching API key format.
func HMACSecrets() (map[string][]byte, error) {
	secrets := make(map[string][]byte)

	// Format: <secret_id>:<base64_secret>
	if val := os.Getenv("AT_HMAC_SECRET"); val != "" {
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("AT_HMAC_SECRET: %w", err)
		}
		secrets[secretID] = decoded
	}

	// Multiple secrets enable rotation: old and new keys valid during migration
	for i := 1; ; i++ {
		key := fmt.Sprintf("AT_HMAC_SECRET_%d", i)
		val := os.Getenv(key)
		if val == "" {
			break
		}
		secretID, decoded, err := ParseHMACSecretWithID(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, exists := secrets[secretID]; exists {
			return nil, fmt.Errorf("duplicate secret_id '%s' found in environment variables (check AT_HMAC_SECRET and AT_HMAC_SECRET_* for conflicts)", secretID)
		}
		secrets[secretID] = decoded
	}

	return secrets, nil
}

// ParseHMACSecretWithID parses secret_id:base64_secret format.
// Secret ID must be 32 hex chars (UUIDv7 without hyphens).
func ParseHMACSecretWithID(envValue string) (secretID string, secret []byte, err error) {
	parts := strings.SplitN(strings.TrimSpace(envValue), ":", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("format must be <secret_id>:<base64_secret>")
	}

	secretID = parts[0]
	if len(secretID) != 32 {
		return "", nil, fmt.Errorf("secret_id must be 32 hex chars (UUIDv7 without hyphens)")
	}
	for _, c := range secretID {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("secret_id must be hex chars only")
		}
	}

	secret, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if len(secret) < 32 {
		return "", nil, fmt.Errorf("secret must be at least 32 bytes, got %d", len(secret))
	}

	return secretID, secret, nil
}
