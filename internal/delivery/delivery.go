// Package delivery sends due event and aggregate reports to their reporting
// origins.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/reports"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Delivery sweep.
 *
 * A sweep selects PENDING reports whose report time has passed and whose
 * trigger time lies inside the delivery horizon, oldest first. Per report:
 *   1. Load the report in a transaction; DELIVERED is a no-op success.
 *   2. Serialize and POST it to <reporting origin><well-known path>, holding
 *      no transaction.
 *   3. On 2xx mark it DELIVERED in a second transaction that re-checks the
 *      status; otherwise leave it PENDING for a later sweep.
 *
 * A failed POST is counted and logged but does not fail the sweep. A datastore
 * error does. Reports older than the horizon stay PENDING and are no longer
 * selected.
 */

// Outcome labels used for metrics and results.
const (
	OutcomeDelivered = "delivered"
	OutcomeSkipped   = "already_delivered"
	OutcomeFailed    = "failed"
)

// Result summarizes one delivery sweep.
type Result struct {
	Attempted int
	Delivered int
	Skipped   int
	Failed    int
}

// Handler runs delivery sweeps.
type Handler struct {
	store  store.Datastore
	clock  store.Clock
	sender Sender
	logger zerolog.Logger
}

// NewHandler wires a delivery handler. A nil clock reads the wall clock.
func NewHandler(ds store.Datastore, clock store.Clock, sender Sender, logger zerolog.Logger) *Handler {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Handler{
		store:  ds,
		clock:  clock,
		sender: sender,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// reportKind abstracts the two report tables.
type reportKind struct {
	name string
	due  func(ctx context.Context, tx store.Tx, q store.DueReports) ([]types.ReportID, error)
	// load returns the serialized body and the reporting origin, or
	// delivered=true when there is nothing to send.
	load func(ctx context.Context, tx store.Tx, id types.ReportID) (body []byte, origin string, delivered bool, err error)
	mark func(ctx context.Context, tx store.Tx, id types.ReportID) error
	path string
}

var eventKind = reportKind{
	name: "event",
	path: reports.EventReportPath,
	due: func(ctx context.Context, tx store.Tx, q store.DueReports) ([]types.ReportID, error) {
		return tx.DueEventReportIDs(ctx, q)
	},
	load: func(ctx context.Context, tx store.Tx, id types.ReportID) ([]byte, string, bool, error) {
		r, err := tx.GetEventReport(ctx, id)
		if err != nil {
			return nil, "", false, err
		}
		if r.Status == types.ReportStatusDelivered {
			return nil, r.ReportingOrigin, true, nil
		}
		body, err := reports.EventReportJSON(r)
		return body, r.ReportingOrigin, false, err
	},
	mark: func(ctx context.Context, tx store.Tx, id types.ReportID) error {
		return tx.MarkEventReportDelivered(ctx, id)
	},
}

var aggregateKind = reportKind{
	name: "aggregate",
	path: reports.AggregateReportPath,
	due: func(ctx context.Context, tx store.Tx, q store.DueReports) ([]types.ReportID, error) {
		return tx.DueAggregateReportIDs(ctx, q)
	},
	load: func(ctx context.Context, tx store.Tx, id types.ReportID) ([]byte, string, bool, error) {
		r, err := tx.GetAggregateReport(ctx, id)
		if err != nil {
			return nil, "", false, err
		}
		if r.Status == types.ReportStatusDelivered {
			return nil, r.ReportingOrigin, true, nil
		}
		body, err := reports.AggregateReportJSON(r)
		return body, r.ReportingOrigin, false, err
	},
	mark: func(ctx context.Context, tx store.Tx, id types.ReportID) error {
		return tx.MarkAggregateReportDelivered(ctx, id)
	},
}

// DeliverEventReports sends due event-level reports.
func (h *Handler) DeliverEventReports(ctx context.Context, cfg config.Snapshot) (Result, error) {
	return h.sweep(ctx, cfg, eventKind)
}

// DeliverAggregateReports sends due aggregate reports.
func (h *Handler) DeliverAggregateReports(ctx context.Context, cfg config.Snapshot) (Result, error) {
	return h.sweep(ctx, cfg, aggregateKind)
}

// DeliverEventReport attempts a single event report, regardless of its
// report time.
func (h *Handler) DeliverEventReport(ctx context.Context, id types.ReportID) (string, error) {
	return h.deliver(ctx, eventKind, id)
}

// DeliverAggregateReport attempts a single aggregate report.
func (h *Handler) DeliverAggregateReport(ctx context.Context, id types.ReportID) (string, error) {
	return h.deliver(ctx, aggregateKind, id)
}

func (h *Handler) sweep(ctx context.Context, cfg config.Snapshot, kind reportKind) (Result, error) {
	var result Result
	sweepKind := kind.name + "_delivery"
	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues(sweepKind).Observe(time.Since(start).Seconds())
	}()

	now := h.clock.Now()
	query := store.DueReports{
		Now:     now,
		Horizon: now.Add(-cfg.DeliveryHorizon),
		Limit:   cfg.BatchSize,
	}

	for {
		var ids []types.ReportID
		err := h.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			ids, err = kind.due(ctx, tx, query)
			return err
		})
		if err != nil {
			metrics.SweepErrors.WithLabelValues(sweepKind).Inc()
			return result, types.DatastoreError("list due "+kind.name+" reports", err)
		}

		delivered := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.Attempted++
			outcome, err := h.deliver(ctx, kind, id)
			switch {
			case err == nil && outcome == OutcomeDelivered:
				result.Delivered++
				delivered++
			case err == nil:
				result.Skipped++
			case types.CategoryOf(err) == types.CategoryDelivery:
				result.Failed++
			default:
				metrics.SweepErrors.WithLabelValues(sweepKind).Inc()
				return result, err
			}
		}

		// Failed reports stay due; another pass would only retry them.
		if cfg.BatchSize <= 0 || len(ids) < cfg.BatchSize || delivered == 0 {
			break
		}
	}

	h.logger.Info().
		Str("kind", kind.name).
		Int("attempted", result.Attempted).
		Int("delivered", result.Delivered).
		Int("failed", result.Failed).
		Dur("elapsed", time.Since(start)).
		Msg("delivery sweep complete")
	return result, nil
}

// deliver loads the report, POSTs it outside any transaction, then marks it
// delivered in a second short transaction. Send failures come back as
// DeliveryError with nothing written.
func (h *Handler) deliver(ctx context.Context, kind reportKind, id types.ReportID) (string, error) {
	op := "deliver " + kind.name + " report " + string(id)

	var (
		body      []byte
		origin    string
		delivered bool
	)
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		body, origin, delivered, err = kind.load(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("failed to load report: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", types.DatastoreError(op, err)
	}

	outcome := OutcomeSkipped
	var sendErr error
	if !delivered {
		url := strings.TrimSuffix(origin, "/") + kind.path
		if sendErr = h.sender.Send(ctx, url, body); sendErr != nil {
			outcome = OutcomeFailed
		} else {
			outcome, err = h.markDelivered(ctx, kind, id)
			if err != nil {
				return "", types.DatastoreError(op, err)
			}
		}
	}

	metrics.ReportsDelivered.WithLabelValues(kind.name, outcome).Inc()
	if sendErr != nil {
		h.logger.Warn().Err(sendErr).
			Str("kind", kind.name).
			Str("report_id", string(id)).
			Msg("report delivery failed, will retry")
		return outcome, types.DeliveryError(op, sendErr)
	}
	h.logger.Debug().
		Str("kind", kind.name).
		Str("report_id", string(id)).
		Str("outcome", outcome).
		Msg("report delivery attempted")
	return outcome, nil
}

// markDelivered flips the report to DELIVERED unless another sender already
// did so while the POST was in flight.
func (h *Handler) markDelivered(ctx context.Context, kind reportKind, id types.ReportID) (string, error) {
	outcome := OutcomeDelivered
	err := h.store.WithTx(ctx, func(tx store.Tx) error {
		_, _, delivered, err := kind.load(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("failed to reload report: %w", err)
		}
		if delivered {
			outcome = OutcomeSkipped
			return nil
		}
		if err := kind.mark(ctx, tx, id); err != nil {
			return fmt.Errorf("failed to mark report delivered: %w", err)
		}
		return nil
	})
	return outcome, err
}
