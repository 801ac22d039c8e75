package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/solatis/attributor/internal/scheduler"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:       "sweep [attribution|event-delivery|aggregate-delivery]...",
	Short:     "Run sweeps once against the database",
	Long:      `Run the named sweeps once, in order. With no arguments all three run.`,
	ValidArgs: []string{"attribution", "event-delivery", "aggregate-delivery"},
	Args:      cobra.OnlyValidArgs,
	RunE:      runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	comps, err := buildComponents(cmd.Context(), cfg, logger, false)
	if err != nil {
		return err
	}
	defer comps.close()

	if len(args) == 0 {
		args = []string{"attribution", "event-delivery", "aggregate-delivery"}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	for _, kind := range args {
		switch kind {
		case "attribution":
			res, err := comps.runner.RunAttribution(ctx)
			if err != nil {
				return fmt.Errorf("%s sweep: %w", scheduler.KindAttribution, err)
			}
			fmt.Fprintf(out, "attribution: processed=%d attributed=%d ignored=%d event_reports=%d aggregate_reports=%d\n",
				res.Processed, res.Attributed, res.Ignored, res.EventReports, res.AggregateReports)
		case "event-delivery":
			res, err := comps.runner.DeliverEventReports(ctx)
			if err != nil {
				return fmt.Errorf("%s sweep: %w", scheduler.KindEventDelivery, err)
			}
			fmt.Fprintf(out, "event delivery: attempted=%d delivered=%d skipped=%d failed=%d\n",
				res.Attempted, res.Delivered, res.Skipped, res.Failed)
		case "aggregate-delivery":
			res, err := comps.runner.DeliverAggregateReports(ctx)
			if err != nil {
				return fmt.Errorf("%s sweep: %w", scheduler.KindAggregateDelivery, err)
			}
			fmt.Fprintf(out, "aggregate delivery: attempted=%d delivered=%d skipped=%d failed=%d\n",
				res.Attempted, res.Delivered, res.Skipped, res.Failed)
		}
	}
	return nil
}
