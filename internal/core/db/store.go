package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

/*
 * SQL datastore.
 *
 * Store implements store.Datastore over sqlx. Each WithTx call is one
 * database transaction; the Tx methods run the named queries in queries/*.sql
 * against it.
 *
 * Column encoding:
 *   - timestamps: unix milliseconds (INTEGER/BIGINT), UTC on read
 *   - UnsignedLong: decimal TEXT via its driver.Valuer / sql.Scanner
 *   - slices and maps: JSON TEXT
 *   - source destinations: also in source_destinations for the trigger join
 */

// Store is the SQL implementation of store.Datastore.
type Store struct {
	db      *sqlx.DB
	queries *Queries
}

var _ store.Datastore = (*Store)(nil)

// NewStore wraps an open, migrated database.
func NewStore(db *sqlx.DB) (*Store, error) {
	q, err := LoadQueries()
	if err != nil {
		return nil, err
	}
	return &Store{db: db, queries: q}, nil
}

// WithTx implements store.Datastore.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, q: s.queries}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sqlx.Tx
	q  *Queries
}

func (t *sqlTx) exec(ctx context.Context, name string, args ...interface{}) error {
	_, err := t.q.Exec(ctx, t.tx, name, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// execOne fails with ErrNotFound when the statement touched no row.
func (t *sqlTx) execOne(ctx context.Context, name, what string, args ...interface{}) error {
	res, err := t.q.Exec(ctx, t.tx, name, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, types.ErrNotFound)
	}
	return nil
}

func (t *sqlTx) get(ctx context.Context, name, what string, dest interface{}, args ...interface{}) error {
	err := t.q.Get(ctx, t.tx, name, dest, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (t *sqlTx) selectRows(ctx context.Context, name string, dest interface{}, args ...interface{}) error {
	if err := t.q.Select(ctx, t.tx, name, dest, args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Sources

func (t *sqlTx) InsertSource(ctx context.Context, src *types.Source) error {
	row, err := sourceToRow(src)
	if err != nil {
		return err
	}
	err = t.exec(ctx, "insert-source",
		row.ID, row.EventID, row.SourceType, row.Publisher, row.Destinations, row.ReportingOrigin,
		row.Registrant, row.EventTime, row.ExpiryTime, row.Priority, row.FilterData,
		row.InstallAttributionWindowMs, row.InstallAttributed, row.AttributionMode,
		row.AggregationKeys, row.AggregateContributions, row.EventReportDedupKeys,
		row.AggregateReportDedupKeys, row.TriggerSpecs, row.MaxEventLevelReports,
		row.AttributedTriggers,
	)
	if err != nil {
		return err
	}
	for _, dest := range src.Destinations {
		if err := t.exec(ctx, "insert-source-destination", row.ID, dest); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) GetSource(ctx context.Context, id types.SourceID) (*types.Source, error) {
	var row sourceRow
	if err := t.get(ctx, "get-source", "source "+string(id), &row, string(id)); err != nil {
		return nil, err
	}
	return row.toSource()
}

// UpdateSource persists the fields attribution mutates. Registration fields
// are immutable after insert.
func (t *sqlTx) UpdateSource(ctx context.Context, src *types.Source) error {
	row, err := sourceToRow(src)
	if err != nil {
		return err
	}
	return t.execOne(ctx, "update-source", "source "+string(src.ID),
		row.AttributionMode, row.AggregateContributions, row.EventReportDedupKeys,
		row.AggregateReportDedupKeys, row.AttributedTriggers, row.ID,
	)
}

func (t *sqlTx) MatchingSources(ctx context.Context, trig *types.Trigger) ([]*types.Source, error) {
	var rows []sourceRow
	at := millis(trig.TriggerTime)
	if err := t.selectRows(ctx, "matching-sources", &rows, trig.Destination, trig.ReportingOrigin, at, at); err != nil {
		return nil, err
	}
	out := make([]*types.Source, 0, len(rows))
	for i := range rows {
		src, err := rows[i].toSource()
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Triggers

func (t *sqlTx) InsertTrigger(ctx context.Context, trig *types.Trigger) error {
	row, err := triggerToRow(trig)
	if err != nil {
		return err
	}
	return t.exec(ctx, "insert-trigger",
		row.ID, row.TriggerTime, row.Destination, row.ReportingOrigin, row.Registrant,
		row.EventTriggers, row.AggregatableTriggerData, row.AggregatableValues,
		row.AggregateDedupKeys, row.Filters, row.NotFilters, row.Status,
	)
}

func (t *sqlTx) GetTrigger(ctx context.Context, id types.TriggerID) (*types.Trigger, error) {
	var row triggerRow
	if err := t.get(ctx, "get-trigger", "trigger "+string(id), &row, string(id)); err != nil {
		return nil, err
	}
	return row.toTrigger()
}

func (t *sqlTx) PendingTriggerIDs(ctx context.Context, limit int) ([]types.TriggerID, error) {
	var ids []types.TriggerID
	if err := t.selectRows(ctx, "pending-trigger-ids", &ids, sqlLimit(limit)); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *sqlTx) UpdateTriggerStatus(ctx context.Context, id types.TriggerID, status types.TriggerStatus) error {
	return t.execOne(ctx, "update-trigger-status", "trigger "+string(id), string(status), string(id))
}

// Attributions

func (t *sqlTx) InsertAttribution(ctx context.Context, a *types.Attribution) error {
	return t.exec(ctx, "insert-attribution",
		a.ID, string(a.Scope), a.SourceSite, a.DestinationSite, a.ReportingOrigin,
		a.Registrant, millis(a.TriggerTime), string(a.SourceID), string(a.TriggerID),
	)
}

func (t *sqlTx) CountAttributions(ctx context.Context, q store.RateLimitQuery) (int, error) {
	var n int
	err := t.get(ctx, "count-attributions", "attributions", &n,
		string(q.Scope), q.SourceSite, q.DestinationSite, q.ReportingOrigin, millis(q.Since), millis(q.Until),
	)
	return n, err
}

func (t *sqlTx) DistinctReportingOrigins(ctx context.Context, q store.RateLimitQuery) ([]string, error) {
	var origins []string
	err := t.selectRows(ctx, "distinct-reporting-origins", &origins,
		string(q.Scope), q.SourceSite, q.DestinationSite, millis(q.Since), millis(q.Until),
	)
	return origins, err
}

// Event reports

func (t *sqlTx) InsertEventReport(ctx context.Context, r *types.EventReport) error {
	row := eventReportToRow(r)
	return t.exec(ctx, "insert-event-report",
		row.ID, row.SourceID, row.TriggerID, row.SourceEventID, row.SourceType, row.Destination,
		row.ReportingOrigin, row.TriggerTime, row.TriggerData, row.TriggerPriority,
		row.TriggerDedupKey, row.ReportTime, row.RandomizedTriggerRate,
		row.SummaryBucketLower, row.SummaryBucketUpper, row.Status, row.Fake,
	)
}

func (t *sqlTx) GetEventReport(ctx context.Context, id types.ReportID) (*types.EventReport, error) {
	var row eventReportRow
	if err := t.get(ctx, "get-event-report", "event report "+string(id), &row, string(id)); err != nil {
		return nil, err
	}
	return row.toEventReport()
}

func (t *sqlTx) DeleteEventReport(ctx context.Context, id types.ReportID) error {
	return t.execOne(ctx, "delete-event-report", "event report "+string(id), string(id))
}

func (t *sqlTx) EventReportsForSource(ctx context.Context, id types.SourceID) ([]*types.EventReport, error) {
	var rows []eventReportRow
	if err := t.selectRows(ctx, "event-reports-for-source", &rows, string(id)); err != nil {
		return nil, err
	}
	out := make([]*types.EventReport, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toEventReport()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *sqlTx) CountPendingEventReports(ctx context.Context, destination string) (int, error) {
	var n int
	err := t.get(ctx, "count-pending-event-reports", "event reports", &n, destination)
	return n, err
}

func (t *sqlTx) DueEventReportIDs(ctx context.Context, q store.DueReports) ([]types.ReportID, error) {
	var ids []types.ReportID
	err := t.selectRows(ctx, "due-event-report-ids", &ids, millis(q.Now), millis(q.Horizon), sqlLimit(q.Limit))
	return ids, err
}

func (t *sqlTx) MarkEventReportDelivered(ctx context.Context, id types.ReportID) error {
	return t.execOne(ctx, "mark-event-report-delivered", "event report "+string(id), string(id))
}

// Aggregate reports

func (t *sqlTx) InsertAggregateReport(ctx context.Context, r *types.AggregateReport) error {
	row, err := aggregateReportToRow(r)
	if err != nil {
		return err
	}
	return t.exec(ctx, "insert-aggregate-report",
		row.ID, row.SourceID, row.TriggerID, row.SourceSite, row.Destination, row.ReportingOrigin,
		row.SourceRegistrationTime, row.ScheduledReportTime, row.TriggerTime,
		row.Contributions, row.APIVersion, row.DedupKey, row.Status,
	)
}

func (t *sqlTx) GetAggregateReport(ctx context.Context, id types.ReportID) (*types.AggregateReport, error) {
	var row aggregateReportRow
	if err := t.get(ctx, "get-aggregate-report", "aggregate report "+string(id), &row, string(id)); err != nil {
		return nil, err
	}
	return row.toAggregateReport()
}

func (t *sqlTx) CountPendingAggregateReports(ctx context.Context, destination string) (int, error) {
	var n int
	err := t.get(ctx, "count-pending-aggregate-reports", "aggregate reports", &n, destination)
	return n, err
}

func (t *sqlTx) DueAggregateReportIDs(ctx context.Context, q store.DueReports) ([]types.ReportID, error) {
	var ids []types.ReportID
	err := t.selectRows(ctx, "due-aggregate-report-ids", &ids, millis(q.Now), millis(q.Horizon), sqlLimit(q.Limit))
	return ids, err
}

func (t *sqlTx) MarkAggregateReportDelivered(ctx context.Context, id types.ReportID) error {
	return t.execOne(ctx, "mark-aggregate-report-delivered", "aggregate report "+string(id), string(id))
}

// Encoding helpers

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// sqlLimit maps "no limit" onto a value both drivers accept.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return math.MaxInt32
	}
	return limit
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func nullUnsigned(u *types.UnsignedLong) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: u.String(), Valid: true}
}

func parseNullUnsigned(ns sql.NullString) (*types.UnsignedLong, error) {
	if !ns.Valid {
		return nil, nil
	}
	u, err := types.ParseUnsignedLong(ns.String)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
