// Package store defines the datastore port shared by the attribution engine
// and the delivery handlers. Adapters live in internal/core/db (SQL) and
// internal/store/memstore (in-memory).
package store

import (
	"context"
	"time"

	"github.com/solatis/attributor/internal/types"
)

/*
 * Transaction model.
 *
 * Every unit of work (one trigger's attribution, one report's delivery, one
 * registration) runs inside WithTx. Returning an error from fn rolls back
 * every write made through the Tx; returning nil commits them together.
 * Callers never hold a Tx across units.
 */

// Datastore opens atomic transactions.
type Datastore interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// RateLimitQuery selects attribution audit rows for counting.
type RateLimitQuery struct {
	Scope           types.RateLimitScope
	SourceSite      string
	DestinationSite string
	ReportingOrigin string
	// Window is (Since, Until]
	Since time.Time
	Until time.Time
}

// DueReports selects pending reports ready to send: report time at or before
// Now and trigger time after Horizon.
type DueReports struct {
	Now     time.Time
	Horizon time.Time
	Limit   int
}

// Tx is the read-modify-write surface available inside one transaction.
type Tx interface {
	InsertSource(ctx context.Context, src *types.Source) error
	GetSource(ctx context.Context, id types.SourceID) (*types.Source, error)
	UpdateSource(ctx context.Context, src *types.Source) error
	// MatchingSources returns sources for the trigger's destination and
	// reporting origin with EventTime <= TriggerTime < ExpiryTime.
	MatchingSources(ctx context.Context, trig *types.Trigger) ([]*types.Source, error)

	InsertTrigger(ctx context.Context, trig *types.Trigger) error
	GetTrigger(ctx context.Context, id types.TriggerID) (*types.Trigger, error)
	PendingTriggerIDs(ctx context.Context, limit int) ([]types.TriggerID, error)
	UpdateTriggerStatus(ctx context.Context, id types.TriggerID, status types.TriggerStatus) error

	InsertAttribution(ctx context.Context, a *types.Attribution) error
	CountAttributions(ctx context.Context, q RateLimitQuery) (int, error)
	// DistinctReportingOrigins ignores q.ReportingOrigin.
	DistinctReportingOrigins(ctx context.Context, q RateLimitQuery) ([]string, error)

	InsertEventReport(ctx context.Context, r *types.EventReport) error
	GetEventReport(ctx context.Context, id types.ReportID) (*types.EventReport, error)
	DeleteEventReport(ctx context.Context, id types.ReportID) error
	EventReportsForSource(ctx context.Context, id types.SourceID) ([]*types.EventReport, error)
	CountPendingEventReports(ctx context.Context, destination string) (int, error)
	DueEventReportIDs(ctx context.Context, q DueReports) ([]types.ReportID, error)
	MarkEventReportDelivered(ctx context.Context, id types.ReportID) error

	InsertAggregateReport(ctx context.Context, r *types.AggregateReport) error
	GetAggregateReport(ctx context.Context, id types.ReportID) (*types.AggregateReport, error)
	CountPendingAggregateReports(ctx context.Context, destination string) (int, error)
	DueAggregateReportIDs(ctx context.Context, q DueReports) ([]types.ReportID, error)
	MarkAggregateReportDelivered(ctx context.Context, id types.ReportID) error
}

// Clock supplies the current time. Engines take one so tests can pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns T. Used by tests.
type FixedClock struct{ T time.Time }

// Now returns c.T.
func (c FixedClock) Now() time.Time { return c.T }
