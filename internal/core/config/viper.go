package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps CLI flag names to config keys. Flags bound this way take
// precedence over environment and file values.
var flagKeys = map[string]string{
	"db-url":     "database.url",
	"log-level":  "log.level",
	"log-format": "log.format",
	"host":       "server.host",
	"port":       "server.port",
}

// LoadConfig loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Bind environment variables with AT_ prefix
	v.SetEnvPrefix("AT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets must be environment-only per 12-factor principles
	if err := validateNoSecretsInConfig(v); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
			MetricsAddr:    v.GetString("server.metrics_addr"),
		},
		DatabaseURL: v.GetString("database.url"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Delivery: DeliveryConfig{
			Timeout:           v.GetDuration("delivery.timeout"),
			RequestsPerSecond: v.GetFloat64("delivery.requests_per_second"),
			Burst:             v.GetInt("delivery.burst"),
		},
		Schedule: ScheduleConfig{
			Attribution:       v.GetDuration("schedule.attribution"),
			EventDelivery:     v.GetDuration("schedule.event_delivery"),
			AggregateDelivery: v.GetDuration("schedule.aggregate_delivery"),
		},
		Engine: Snapshot{
			AttributionEnabled:                v.GetBool("attribution.enabled"),
			EventReportingEnabled:             v.GetBool("attribution.event_reporting_enabled"),
			AggregateReportingEnabled:         v.GetBool("attribution.aggregate_reporting_enabled"),
			RateLimitWindow:                   v.GetDuration("attribution.rate_limit_window"),
			MaxAttributionsPerWindow:          v.GetInt("attribution.max_attributions_per_window"),
			MaxDistinctReportingOrigins:       v.GetInt("attribution.max_distinct_reporting_origins"),
			MaxEventReportsPerDestination:     v.GetInt("attribution.max_event_reports_per_destination"),
			MaxAggregateReportsPerDestination: v.GetInt("attribution.max_aggregate_reports_per_destination"),
			AggregateBudget:                   v.GetInt64("attribution.aggregate_budget"),
			EventReportDelay:                  v.GetDuration("attribution.event_report_delay"),
			AggregateReportMinDelay:           v.GetDuration("attribution.aggregate_report_min_delay"),
			AggregateReportMaxDelay:           v.GetDuration("attribution.aggregate_report_max_delay"),
			Epsilon:                           v.GetFloat64("attribution.epsilon"),
			MaxInformationGainEvent:           v.GetFloat64("attribution.max_information_gain_event"),
			MaxInformationGainNavigation:      v.GetFloat64("attribution.max_information_gain_navigation"),
			BatchSize:                         v.GetInt("attribution.batch_size"),
			DeliveryHorizon:                   v.GetDuration("delivery.horizon"),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("delivery.timeout", d.Delivery.Timeout)
	v.SetDefault("delivery.requests_per_second", d.Delivery.RequestsPerSecond)
	v.SetDefault("delivery.burst", d.Delivery.Burst)
	v.SetDefault("delivery.horizon", d.Engine.DeliveryHorizon)
	v.SetDefault("schedule.attribution", d.Schedule.Attribution)
	v.SetDefault("schedule.event_delivery", d.Schedule.EventDelivery)
	v.SetDefault("schedule.aggregate_delivery", d.Schedule.AggregateDelivery)

	e := d.Engine
	v.SetDefault("attribution.enabled", e.AttributionEnabled)
	v.SetDefault("attribution.event_reporting_enabled", e.EventReportingEnabled)
	v.SetDefault("attribution.aggregate_reporting_enabled", e.AggregateReportingEnabled)
	v.SetDefault("attribution.rate_limit_window", e.RateLimitWindow)
	v.SetDefault("attribution.max_attributions_per_window", e.MaxAttributionsPerWindow)
	v.SetDefault("attribution.max_distinct_reporting_origins", e.MaxDistinctReportingOrigins)
	v.SetDefault("attribution.max_event_reports_per_destination", e.MaxEventReportsPerDestination)
	v.SetDefault("attribution.max_aggregate_reports_per_destination", e.MaxAggregateReportsPerDestination)
	v.SetDefault("attribution.aggregate_budget", e.AggregateBudget)
	v.SetDefault("attribution.event_report_delay", e.EventReportDelay)
	v.SetDefault("attribution.aggregate_report_min_delay", e.AggregateReportMinDelay)
	v.SetDefault("attribution.aggregate_report_max_delay", e.AggregateReportMaxDelay)
	v.SetDefault("attribution.epsilon", e.Epsilon)
	v.SetDefault("attribution.max_information_gain_event", e.MaxInformationGainEvent)
	v.SetDefault("attribution.max_information_gain_navigation", e.MaxInformationGainNavigation)
	v.SetDefault("attribution.batch_size", e.BatchSize)
}

// validateConfig checks port range and positive limits.
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", cfg.Server.RequestTimeout)
	}
	if cfg.Delivery.RequestsPerSecond <= 0 {
		return fmt.Errorf("delivery.requests_per_second must be positive, got %v", cfg.Delivery.RequestsPerSecond)
	}
	e := cfg.Engine
	if e.RateLimitWindow <= 0 {
		return fmt.Errorf("attribution.rate_limit_window must be positive, got %v", e.RateLimitWindow)
	}
	if e.MaxAttributionsPerWindow <= 0 {
		return fmt.Errorf("attribution.max_attributions_per_window must be positive, got %d", e.MaxAttributionsPerWindow)
	}
	if e.AggregateBudget <= 0 {
		return fmt.Errorf("attribution.aggregate_budget must be positive, got %d", e.AggregateBudget)
	}
	if e.AggregateReportMaxDelay < e.AggregateReportMinDelay {
		return fmt.Errorf("attribution.aggregate_report_max_delay (%v) below min delay (%v)", e.AggregateReportMaxDelay, e.AggregateReportMinDelay)
	}
	if e.Epsilon <= 0 {
		return fmt.Errorf("attribution.epsilon must be positive, got %v", e.Epsilon)
	}
	if e.BatchSize <= 0 {
		return fmt.Errorf("attribution.batch_size must be positive, got %d", e.BatchSize)
	}
	return nil
}

// validateNoSecretsInConfig enforces environment-only secrets (12-factor principle).
func validateNoSecretsInConfig(v *viper.Viper) error {
	if v.InConfig("hmac_secret") || v.InConfig("server.hmac_secret") {
		return fmt.Errorf("HMAC secrets not allowed in config files (use AT_HMAC_SECRET environment variable)")
	}
	return nil
}
