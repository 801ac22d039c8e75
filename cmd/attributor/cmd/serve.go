package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/solatis/attributor/internal/core/api"
	"github.com/solatis/attributor/internal/core/auth"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/core/server"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Version is set via ldflags during build.
var Version = "dev"

var serveSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC admin API",
	Long: `Start the gRPC admin API and the Prometheus /metrics endpoint.

With --schedule, attribution and delivery sweeps also run on the intervals
from the schedule config section.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "run sweeps on the configured intervals")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(secrets, logger)
	if err != nil {
		return fmt.Errorf("%w (set AT_HMAC_SECRET environment variable)", err)
	}

	comps, err := buildComponents(cmd.Context(), cfg, logger, true)
	if err != nil {
		return err
	}
	defer comps.close()

	service, err := api.NewAdminService(comps.runner, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("addr", grpcServer.Addr()).
		Bool("schedule", serveSchedule).
		Msg("starting attributor")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := grpcServer.Start(gctx); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	if serveSchedule {
		g.Go(func() error {
			return comps.runner.Run(gctx, cfg.Schedule)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down gracefully")
		return grpcServer.Shutdown(context.Background())
	})

	return g.Wait()
}
