// Package memstore is an in-memory store.Datastore. Transactions copy the
// state, run against the copy and swap it in on success, so a failed unit of
// work leaves no partial writes. Used by tests and `attributor serve` without
// a database URL.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"sort"
	"sync"

	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

type state struct {
	sources      map[types.SourceID]types.Source
	triggers     map[types.TriggerID]types.Trigger
	attributions []types.Attribution
	eventReports map[types.ReportID]types.EventReport
	aggReports   map[types.ReportID]types.AggregateReport
}

func (s *state) clone() *state {
	return &state{
		sources:      maps.Clone(s.sources),
		triggers:     maps.Clone(s.triggers),
		attributions: slices.Clone(s.attributions),
		eventReports: maps.Clone(s.eventReports),
		aggReports:   maps.Clone(s.aggReports),
	}
}

var _ store.Datastore = (*Store)(nil)

// Store is a concurrency-safe in-memory datastore.
type Store struct {
	mu    sync.Mutex
	state *state
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{
		sources:      make(map[types.SourceID]types.Source),
		triggers:     make(map[types.TriggerID]types.Trigger),
		eventReports: make(map[types.ReportID]types.EventReport),
		aggReports:   make(map[types.ReportID]types.AggregateReport),
	}}
}

// WithTx implements store.Datastore. Transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&tx{s: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// EventReports returns every event report ordered by report time.
func (s *Store) EventReports() []types.EventReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.EventReport, 0, len(s.state.eventReports))
	for _, r := range s.state.eventReports {
		out = append(out, cloneEventReport(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportTime.Equal(out[j].ReportTime) {
			return out[i].ReportTime.Before(out[j].ReportTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AggregateReports returns every aggregate report ordered by id.
func (s *Store) AggregateReports() []types.AggregateReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AggregateReport, 0, len(s.state.aggReports))
	for _, r := range s.state.aggReports {
		out = append(out, cloneAggregateReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attributions returns the audit rows in insertion order.
func (s *Store) Attributions() []types.Attribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.attributions)
}

// Source returns a copy of one source, or nil.
func (s *Store) Source(id types.SourceID) *types.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.state.sources[id]
	if !ok {
		return nil
	}
	c := cloneSource(src)
	return &c
}

// Trigger returns a copy of one trigger, or nil.
func (s *Store) Trigger(id types.TriggerID) *types.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	trig, ok := s.state.triggers[id]
	if !ok {
		return nil
	}
	c := cloneTrigger(trig)
	return &c
}

type tx struct {
	s *state
}

func (t *tx) InsertSource(_ context.Context, src *types.Source) error {
	if _, exists := t.s.sources[src.ID]; exists {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	t.s.sources[src.ID] = cloneSource(*src)
	return nil
}

func (t *tx) GetSource(_ context.Context, id types.SourceID) (*types.Source, error) {
	src, ok := t.s.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, types.ErrNotFound)
	}
	c := cloneSource(src)
	return &c, nil
}

func (t *tx) UpdateSource(_ context.Context, src *types.Source) error {
	if _, ok := t.s.sources[src.ID]; !ok {
		return fmt.Errorf("source %s: %w", src.ID, types.ErrNotFound)
	}
	t.s.sources[src.ID] = cloneSource(*src)
	return nil
}

func (t *tx) MatchingSources(_ context.Context, trig *types.Trigger) ([]*types.Source, error) {
	var out []*types.Source
	for _, src := range t.s.sources {
		if src.ReportingOrigin != trig.ReportingOrigin || !src.HasDestination(trig.Destination) {
			continue
		}
		if src.EventTime.After(trig.TriggerTime) || !trig.TriggerTime.Before(src.ExpiryTime) {
			continue
		}
		c := cloneSource(src)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) InsertTrigger(_ context.Context, trig *types.Trigger) error {
	if _, exists := t.s.triggers[trig.ID]; exists {
		return fmt.Errorf("trigger %s already exists", trig.ID)
	}
	t.s.triggers[trig.ID] = cloneTrigger(*trig)
	return nil
}

func (t *tx) GetTrigger(_ context.Context, id types.TriggerID) (*types.Trigger, error) {
	trig, ok := t.s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
	}
	c := cloneTrigger(trig)
	return &c, nil
}

func (t *tx) PendingTriggerIDs(_ context.Context, limit int) ([]types.TriggerID, error) {
	var pending []types.Trigger
	for _, trig := range t.s.triggers {
		if trig.Status == types.TriggerStatusPending {
			pending = append(pending, trig)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].TriggerTime.Equal(pending[j].TriggerTime) {
			return pending[i].TriggerTime.Before(pending[j].TriggerTime)
		}
		return pending[i].ID < pending[j].ID
	})
	ids := make([]types.TriggerID, 0, len(pending))
	for _, trig := range pending {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, trig.ID)
	}
	return ids, nil
}

func (t *tx) UpdateTriggerStatus(_ context.Context, id types.TriggerID, status types.TriggerStatus) error {
	trig, ok := t.s.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %s: %w", id, types.ErrNotFound)
	}
	trig.Status = status
	t.s.triggers[id] = trig
	return nil
}

func (t *tx) InsertAttribution(_ context.Context, a *types.Attribution) error {
	t.s.attributions = append(t.s.attributions, *a)
	return nil
}

func (t *tx) inWindow(a types.Attribution, q store.RateLimitQuery) bool {
	return a.Scope == q.Scope &&
		a.SourceSite == q.SourceSite &&
		a.DestinationSite == q.DestinationSite &&
		a.TriggerTime.After(q.Since) && !a.TriggerTime.After(q.Until)
}

func (t *tx) CountAttributions(_ context.Context, q store.RateLimitQuery) (int, error) {
	n := 0
	for _, a := range t.s.attributions {
		if t.inWindow(a, q) && a.ReportingOrigin == q.ReportingOrigin {
			n++
		}
	}
	return n, nil
}

func (t *tx) DistinctReportingOrigins(_ context.Context, q store.RateLimitQuery) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, a := range t.s.attributions {
		if t.inWindow(a, q) && !seen[a.ReportingOrigin] {
			seen[a.ReportingOrigin] = true
			out = append(out, a.ReportingOrigin)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) InsertEventReport(_ context.Context, r *types.EventReport) error {
	t.s.eventReports[r.ID] = cloneEventReport(*r)
	return nil
}

func (t *tx) GetEventReport(_ context.Context, id types.ReportID) (*types.EventReport, error) {
	r, ok := t.s.eventReports[id]
	if !ok {
		return nil, fmt.Errorf("event report %s: %w", id, types.ErrNotFound)
	}
	c := cloneEventReport(r)
	return &c, nil
}

func (t *tx) DeleteEventReport(_ context.Context, id types.ReportID) error {
	delete(t.s.eventReports, id)
	return nil
}

func (t *tx) EventReportsForSource(_ context.Context, id types.SourceID) ([]*types.EventReport, error) {
	var out []*types.EventReport
	for _, r := range t.s.eventReports {
		if r.SourceID == id {
			c := cloneEventReport(r)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) CountPendingEventReports(_ context.Context, destination string) (int, error) {
	n := 0
	for _, r := range t.s.eventReports {
		if r.Destination == destination && r.Status == types.ReportStatusPending {
			n++
		}
	}
	return n, nil
}

func (t *tx) DueEventReportIDs(_ context.Context, q store.DueReports) ([]types.ReportID, error) {
	var due []types.EventReport
	for _, r := range t.s.eventReports {
		if r.Status == types.ReportStatusPending && !r.ReportTime.After(q.Now) && !r.TriggerTime.Before(q.Horizon) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ReportTime.Equal(due[j].ReportTime) {
			return due[i].ReportTime.Before(due[j].ReportTime)
		}
		return due[i].ID < due[j].ID
	})
	return limitIDs(len(due), q.Limit, func(i int) types.ReportID { return due[i].ID }), nil
}

func (t *tx) MarkEventReportDelivered(_ context.Context, id types.ReportID) error {
	r, ok := t.s.eventReports[id]
	if !ok {
		return fmt.Errorf("event report %s: %w", id, types.ErrNotFound)
	}
	r.Status = types.ReportStatusDelivered
	t.s.eventReports[id] = r
	return nil
}

func (t *tx) InsertAggregateReport(_ context.Context, r *types.AggregateReport) error {
	t.s.aggReports[r.ID] = cloneAggregateReport(*r)
	return nil
}

func (t *tx) GetAggregateReport(_ context.Context, id types.ReportID) (*types.AggregateReport, error) {
	r, ok := t.s.aggReports[id]
	if !ok {
		return nil, fmt.Errorf("aggregate report %s: %w", id, types.ErrNotFound)
	}
	c := cloneAggregateReport(r)
	return &c, nil
}

func (t *tx) CountPendingAggregateReports(_ context.Context, destination string) (int, error) {
	n := 0
	for _, r := range t.s.aggReports {
		if r.Destination == destination && r.Status == types.ReportStatusPending {
			n++
		}
	}
	return n, nil
}

func (t *tx) DueAggregateReportIDs(_ context.Context, q store.DueReports) ([]types.ReportID, error) {
	var due []types.AggregateReport
	for _, r := range t.s.aggReports {
		if r.Status == types.ReportStatusPending && !r.ScheduledReportTime.After(q.Now) && !r.TriggerTime.Before(q.Horizon) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledReportTime.Equal(due[j].ScheduledReportTime) {
			return due[i].ScheduledReportTime.Before(due[j].ScheduledReportTime)
		}
		return due[i].ID < due[j].ID
	})
	return limitIDs(len(due), q.Limit, func(i int) types.ReportID { return due[i].ID }), nil
}

func (t *tx) MarkAggregateReportDelivered(_ context.Context, id types.ReportID) error {
	r, ok := t.s.aggReports[id]
	if !ok {
		return fmt.Errorf("aggregate report %s: %w", id, types.ErrNotFound)
	}
	r.Status = types.ReportStatusDelivered
	t.s.aggReports[id] = r
	return nil
}

func limitIDs(n, limit int, at func(int) types.ReportID) []types.ReportID {
	if limit > 0 && n > limit {
		n = limit
	}
	ids := make([]types.ReportID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, at(i))
	}
	return ids
}

func cloneSource(s types.Source) types.Source {
	s.Destinations = slices.Clone(s.Destinations)
	s.FilterData = cloneFilterMap(s.FilterData)
	s.AggregationKeys = maps.Clone(s.AggregationKeys)
	s.EventReportDedupKeys = slices.Clone(s.EventReportDedupKeys)
	s.AggregateReportDedupKeys = slices.Clone(s.AggregateReportDedupKeys)
	s.AttributedTriggers = slices.Clone(s.AttributedTriggers)
	return s
}

func cloneTrigger(t types.Trigger) types.Trigger {
	t.EventTriggers = slices.Clone(t.EventTriggers)
	t.AggregatableTriggerData = slices.Clone(t.AggregatableTriggerData)
	t.AggregatableValues = maps.Clone(t.AggregatableValues)
	t.AggregateDedupKeys = slices.Clone(t.AggregateDedupKeys)
	return t
}

func cloneEventReport(r types.EventReport) types.EventReport {
	if r.TriggerSummaryBucket != nil {
		b := *r.TriggerSummaryBucket
		r.TriggerSummaryBucket = &b
	}
	return r
}

func cloneAggregateReport(r types.AggregateReport) types.AggregateReport {
	contributions := make([]types.AggregateHistogramContribution, len(r.Contributions))
	for i, c := range r.Contributions {
		contributions[i] = types.AggregateHistogramContribution{Value: c.Value}
		if c.Bucket != nil {
			contributions[i].Bucket = new(big.Int).Set(c.Bucket)
		}
	}
	r.Contributions = contributions
	return r
}

func cloneFilterMap(m types.FilterMap) types.FilterMap {
	if m == nil {
		return nil
	}
	out := make(types.FilterMap, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}
