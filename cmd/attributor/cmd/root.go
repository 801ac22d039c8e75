package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/attribution"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/core/db"
	"github.com/solatis/attributor/internal/delivery"
	"github.com/solatis/attributor/internal/logging"
	"github.com/solatis/attributor/internal/scheduler"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/store/memstore"
	"github.com/spf13/cobra"
)

var (
	configFile string
	dbURL      string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "attributor",
	Short: "Privacy-preserving ad attribution engine",
	Long: `Attributor matches registered sources (impressions, clicks) against later
triggers (conversions), writes noised event-level reports and budgeted
aggregatable reports, and delivers them to reporting origins.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration with this command's flags taking precedence
// and builds the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logging.New(cfg.Log), nil
}

// openDatabase opens cfg.DatabaseURL and refuses to continue while
// migrations are pending.
func openDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("--db-url required")
	}
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			database.Close()
			return nil, fmt.Errorf("migration %s not applied - run 'attributor migrate up' first", s.ID)
		}
	}
	return database, nil
}

// components is the engine wiring shared by serve and sweep.
type components struct {
	runner *scheduler.Runner
	close  func() error
}

// buildComponents wires datastore, engine, delivery and runner. Without a
// database URL and with allowMemory set, an in-memory store is used.
func buildComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger, allowMemory bool) (*components, error) {
	var (
		ds      store.Datastore
		closeFn = func() error { return nil }
	)

	if cfg.DatabaseURL == "" && allowMemory {
		logger.Warn().Msg("no database URL configured, using in-memory store (state is lost on exit)")
		ds = memstore.New()
	} else {
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		sqlStore, err := db.NewStore(database)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		ds = sqlStore
		closeFn = database.Close
	}

	engine := attribution.NewEngine(ds, nil, nil, logger)
	handler := delivery.NewHandler(ds, nil, delivery.NewHTTPSender(cfg.Delivery), logger)

	return &components{
		runner: scheduler.NewRunner(engine, handler, cfg.Engine, logger),
		close:  closeFn,
	}, nil
}
