package db

import (
	"database/sql"
	"time"

	"github.com/solatis/attributor/internal/types"
)

// Row types mirror the table columns; SELECT * scans into them by db tag.

type sourceRow struct {
	ID                         string             `db:"source_id"`
	EventID                    types.UnsignedLong `db:"event_id"`
	SourceType                 string             `db:"source_type"`
	Publisher                  string             `db:"publisher"`
	Destinations               string             `db:"destinations"`
	ReportingOrigin            string             `db:"reporting_origin"`
	Registrant                 string             `db:"registrant"`
	EventTime                  int64              `db:"event_time"`
	ExpiryTime                 int64              `db:"expiry_time"`
	Priority                   int64              `db:"priority"`
	FilterData                 string             `db:"filter_data"`
	InstallAttributionWindowMs int64              `db:"install_attribution_window_ms"`
	InstallAttributed          bool               `db:"install_attributed"`
	AttributionMode            string             `db:"attribution_mode"`
	AggregationKeys            string             `db:"aggregation_keys"`
	AggregateContributions     int64              `db:"aggregate_contributions"`
	EventReportDedupKeys       string             `db:"event_report_dedup_keys"`
	AggregateReportDedupKeys   string             `db:"aggregate_report_dedup_keys"`
	TriggerSpecs               string             `db:"trigger_specs"`
	MaxEventLevelReports       int                `db:"max_event_level_reports"`
	AttributedTriggers         string             `db:"attributed_triggers"`
}

func sourceToRow(src *types.Source) (sourceRow, error) {
	row := sourceRow{
		ID:                         string(src.ID),
		EventID:                    src.EventID,
		SourceType:                 string(src.SourceType),
		Publisher:                  src.Publisher,
		ReportingOrigin:            src.ReportingOrigin,
		Registrant:                 src.Registrant,
		EventTime:                  millis(src.EventTime),
		ExpiryTime:                 millis(src.ExpiryTime),
		Priority:                   src.Priority,
		InstallAttributionWindowMs: src.InstallAttributionWindow.Milliseconds(),
		InstallAttributed:          src.InstallAttributed,
		AttributionMode:            string(src.AttributionMode),
		AggregateContributions:     src.AggregateContributions,
		TriggerSpecs:               src.TriggerSpecs,
		MaxEventLevelReports:       src.MaxEventLevelReports,
	}

	var err error
	fields := []struct {
		dst *string
		src interface{}
	}{
		{&row.Destinations, nonNilStrings(src.Destinations)},
		{&row.FilterData, src.FilterData},
		{&row.AggregationKeys, nonNilMap(src.AggregationKeys)},
		{&row.EventReportDedupKeys, nonNilKeys(src.EventReportDedupKeys)},
		{&row.AggregateReportDedupKeys, nonNilKeys(src.AggregateReportDedupKeys)},
		{&row.AttributedTriggers, nonNilAttributed(src.AttributedTriggers)},
	}
	for _, f := range fields {
		if *f.dst, err = encodeJSON(f.src); err != nil {
			return sourceRow{}, err
		}
	}
	return row, nil
}

func (r *sourceRow) toSource() (*types.Source, error) {
	src := &types.Source{
		ID:                       types.SourceID(r.ID),
		EventID:                  r.EventID,
		SourceType:               types.SourceType(r.SourceType),
		Publisher:                r.Publisher,
		ReportingOrigin:          r.ReportingOrigin,
		Registrant:               r.Registrant,
		EventTime:                fromMillis(r.EventTime),
		ExpiryTime:               fromMillis(r.ExpiryTime),
		Priority:                 r.Priority,
		InstallAttributionWindow: time.Duration(r.InstallAttributionWindowMs) * time.Millisecond,
		InstallAttributed:        r.InstallAttributed,
		AttributionMode:          types.AttributionMode(r.AttributionMode),
		AggregateContributions:   r.AggregateContributions,
		TriggerSpecs:             r.TriggerSpecs,
		MaxEventLevelReports:     r.MaxEventLevelReports,
	}
	fields := []struct {
		src string
		dst interface{}
	}{
		{r.Destinations, &src.Destinations},
		{r.FilterData, &src.FilterData},
		{r.AggregationKeys, &src.AggregationKeys},
		{r.EventReportDedupKeys, &src.EventReportDedupKeys},
		{r.AggregateReportDedupKeys, &src.AggregateReportDedupKeys},
		{r.AttributedTriggers, &src.AttributedTriggers},
	}
	for _, f := range fields {
		if err := decodeJSON(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	return src, nil
}

type triggerRow struct {
	ID                      string `db:"trigger_id"`
	TriggerTime             int64  `db:"trigger_time"`
	Destination             string `db:"destination"`
	ReportingOrigin         string `db:"reporting_origin"`
	Registrant              string `db:"registrant"`
	EventTriggers           string `db:"event_triggers"`
	AggregatableTriggerData string `db:"aggregatable_trigger_data"`
	AggregatableValues      string `db:"aggregatable_values"`
	AggregateDedupKeys      string `db:"aggregate_dedup_keys"`
	Filters                 string `db:"filters"`
	NotFilters              string `db:"not_filters"`
	Status                  string `db:"status"`
}

func triggerToRow(trig *types.Trigger) (triggerRow, error) {
	row := triggerRow{
		ID:              string(trig.ID),
		TriggerTime:     millis(trig.TriggerTime),
		Destination:     trig.Destination,
		ReportingOrigin: trig.ReportingOrigin,
		Registrant:      trig.Registrant,
		Status:          string(trig.Status),
	}
	var err error
	fields := []struct {
		dst *string
		src interface{}
	}{
		{&row.EventTriggers, trig.EventTriggers},
		{&row.AggregatableTriggerData, trig.AggregatableTriggerData},
		{&row.AggregatableValues, trig.AggregatableValues},
		{&row.AggregateDedupKeys, trig.AggregateDedupKeys},
		{&row.Filters, trig.Filters},
		{&row.NotFilters, trig.NotFilters},
	}
	for _, f := range fields {
		if *f.dst, err = encodeJSON(f.src); err != nil {
			return triggerRow{}, err
		}
	}
	return row, nil
}

func (r *triggerRow) toTrigger() (*types.Trigger, error) {
	trig := &types.Trigger{
		ID:              types.TriggerID(r.ID),
		TriggerTime:     fromMillis(r.TriggerTime),
		Destination:     r.Destination,
		ReportingOrigin: r.ReportingOrigin,
		Registrant:      r.Registrant,
		Status:          types.TriggerStatus(r.Status),
	}
	fields := []struct {
		src string
		dst interface{}
	}{
		{r.EventTriggers, &trig.EventTriggers},
		{r.AggregatableTriggerData, &trig.AggregatableTriggerData},
		{r.AggregatableValues, &trig.AggregatableValues},
		{r.AggregateDedupKeys, &trig.AggregateDedupKeys},
		{r.Filters, &trig.Filters},
		{r.NotFilters, &trig.NotFilters},
	}
	for _, f := range fields {
		if err := decodeJSON(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	return trig, nil
}

type eventReportRow struct {
	ID                    string             `db:"report_id"`
	SourceID              string             `db:"source_id"`
	TriggerID             string             `db:"trigger_id"`
	SourceEventID         types.UnsignedLong `db:"source_event_id"`
	SourceType            string             `db:"source_type"`
	Destination           string             `db:"destination"`
	ReportingOrigin       string             `db:"reporting_origin"`
	TriggerTime           int64              `db:"trigger_time"`
	TriggerData           types.UnsignedLong `db:"trigger_data"`
	TriggerPriority       int64              `db:"trigger_priority"`
	TriggerDedupKey       sql.NullString     `db:"trigger_dedup_key"`
	ReportTime            int64              `db:"report_time"`
	RandomizedTriggerRate float64            `db:"randomized_trigger_rate"`
	SummaryBucketLower    sql.NullInt64      `db:"summary_bucket_lower"`
	SummaryBucketUpper    sql.NullInt64      `db:"summary_bucket_upper"`
	Status                string             `db:"status"`
	Fake                  bool               `db:"fake"`
}

func eventReportToRow(r *types.EventReport) eventReportRow {
	row := eventReportRow{
		ID:                    string(r.ID),
		SourceID:              string(r.SourceID),
		TriggerID:             string(r.TriggerID),
		SourceEventID:         r.SourceEventID,
		SourceType:            string(r.SourceType),
		Destination:           r.Destination,
		ReportingOrigin:       r.ReportingOrigin,
		TriggerTime:           millis(r.TriggerTime),
		TriggerData:           r.TriggerData,
		TriggerPriority:       r.TriggerPriority,
		TriggerDedupKey:       nullUnsigned(r.TriggerDedupKey),
		ReportTime:            millis(r.ReportTime),
		RandomizedTriggerRate: r.RandomizedTriggerRate,
		Status:                string(r.Status),
		Fake:                  r.Fake,
	}
	if b := r.TriggerSummaryBucket; b != nil {
		row.SummaryBucketLower = sql.NullInt64{Int64: b.Lower, Valid: true}
		row.SummaryBucketUpper = sql.NullInt64{Int64: b.Upper, Valid: true}
	}
	return row
}

func (r *eventReportRow) toEventReport() (*types.EventReport, error) {
	dedup, err := parseNullUnsigned(r.TriggerDedupKey)
	if err != nil {
		return nil, err
	}
	out := &types.EventReport{
		ID:                    types.ReportID(r.ID),
		SourceID:              types.SourceID(r.SourceID),
		TriggerID:             types.TriggerID(r.TriggerID),
		SourceEventID:         r.SourceEventID,
		SourceType:            types.SourceType(r.SourceType),
		Destination:           r.Destination,
		ReportingOrigin:       r.ReportingOrigin,
		TriggerTime:           fromMillis(r.TriggerTime),
		TriggerData:           r.TriggerData,
		TriggerPriority:       r.TriggerPriority,
		TriggerDedupKey:       dedup,
		ReportTime:            fromMillis(r.ReportTime),
		RandomizedTriggerRate: r.RandomizedTriggerRate,
		Status:                types.ReportStatus(r.Status),
		Fake:                  r.Fake,
	}
	if r.SummaryBucketLower.Valid && r.SummaryBucketUpper.Valid {
		out.TriggerSummaryBucket = &types.SummaryBucket{
			Lower: r.SummaryBucketLower.Int64,
			Upper: r.SummaryBucketUpper.Int64,
		}
	}
	return out, nil
}

type aggregateReportRow struct {
	ID                     string         `db:"report_id"`
	SourceID               string         `db:"source_id"`
	TriggerID              string         `db:"trigger_id"`
	SourceSite             string         `db:"source_site"`
	Destination            string         `db:"destination"`
	ReportingOrigin        string         `db:"reporting_origin"`
	SourceRegistrationTime int64          `db:"source_registration_time"`
	ScheduledReportTime    int64          `db:"scheduled_report_time"`
	TriggerTime            int64          `db:"trigger_time"`
	Contributions          string         `db:"contributions"`
	APIVersion             string         `db:"api_version"`
	DedupKey               sql.NullString `db:"dedup_key"`
	Status                 string         `db:"status"`
}

func aggregateReportToRow(r *types.AggregateReport) (aggregateReportRow, error) {
	contributions, err := encodeJSON(r.Contributions)
	if err != nil {
		return aggregateReportRow{}, err
	}
	return aggregateReportRow{
		ID:                     string(r.ID),
		SourceID:               string(r.SourceID),
		TriggerID:              string(r.TriggerID),
		SourceSite:             r.SourceSite,
		Destination:            r.Destination,
		ReportingOrigin:        r.ReportingOrigin,
		SourceRegistrationTime: millis(r.SourceRegistrationTime),
		ScheduledReportTime:    millis(r.ScheduledReportTime),
		TriggerTime:            millis(r.TriggerTime),
		Contributions:          contributions,
		APIVersion:             r.APIVersion,
		DedupKey:               nullUnsigned(r.DedupKey),
		Status:                 string(r.Status),
	}, nil
}

func (r *aggregateReportRow) toAggregateReport() (*types.AggregateReport, error) {
	dedup, err := parseNullUnsigned(r.DedupKey)
	if err != nil {
		return nil, err
	}
	out := &types.AggregateReport{
		ID:                     types.ReportID(r.ID),
		SourceID:               types.SourceID(r.SourceID),
		TriggerID:              types.TriggerID(r.TriggerID),
		SourceSite:             r.SourceSite,
		Destination:            r.Destination,
		ReportingOrigin:        r.ReportingOrigin,
		SourceRegistrationTime: fromMillis(r.SourceRegistrationTime),
		ScheduledReportTime:    fromMillis(r.ScheduledReportTime),
		TriggerTime:            fromMillis(r.TriggerTime),
		APIVersion:             r.APIVersion,
		DedupKey:               dedup,
		Status:                 types.ReportStatus(r.Status),
	}
	if err := decodeJSON(r.Contributions, &out.Contributions); err != nil {
		return nil, err
	}
	return out, nil
}

// nonNil* keep empty collections as "[]"/"{}" rather than "null".

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilKeys(k []types.UnsignedLong) []types.UnsignedLong {
	if k == nil {
		return []types.UnsignedLong{}
	}
	return k
}

func nonNilAttributed(a []types.AttributedTrigger) []types.AttributedTrigger {
	if a == nil {
		return []types.AttributedTrigger{}
	}
	return a
}
