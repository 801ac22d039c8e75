// Package reports builds the JSON bodies POSTed to reporting origins.
package reports

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/solatis/attributor/internal/triggerspec"
	"github.com/solatis/attributor/internal/types"
)

// Well-known report endpoints, relative to the reporting origin.
const (
	EventReportPath     = "/.well-known/attribution-reporting/report-event-attribution"
	AggregateReportPath = "/.well-known/attribution-reporting/report-aggregate-attribution"
)

// AggregateAPIVersion is written to shared_info.version.
const AggregateAPIVersion = "0.1"

// EventReportBody is the event-level report wire shape.
type EventReportBody struct {
	AttributionDestination string             `json:"attribution_destination"`
	ScheduledReportTime    string             `json:"scheduled_report_time"`
	SourceEventID          types.UnsignedLong `json:"source_event_id"`
	TriggerData            types.UnsignedLong `json:"trigger_data"`
	ReportID               types.ReportID     `json:"report_id"`
	SourceType             types.SourceType   `json:"source_type"`
	RandomizedTriggerRate  float64            `json:"randomized_trigger_rate"`
	TriggerSummaryBucket   []int64            `json:"trigger_summary_bucket,omitempty"`
}

// NewEventReportBody maps a stored report to its wire shape.
func NewEventReportBody(r *types.EventReport) EventReportBody {
	body := EventReportBody{
		AttributionDestination: r.Destination,
		ScheduledReportTime:    unixSeconds(r.ReportTime),
		SourceEventID:          r.SourceEventID,
		TriggerData:            r.TriggerData,
		ReportID:               r.ID,
		SourceType:             r.SourceType,
		RandomizedTriggerRate:  r.RandomizedTriggerRate,
	}
	if b := r.TriggerSummaryBucket; b != nil {
		upper := b.Upper
		if upper != triggerspec.MaxBucketThreshold {
			upper--
		}
		body.TriggerSummaryBucket = []int64{b.Lower, upper}
	}
	return body
}

// EventReportJSON encodes an event report body.
func EventReportJSON(r *types.EventReport) ([]byte, error) {
	b, err := json.Marshal(NewEventReportBody(r))
	if err != nil {
		return nil, fmt.Errorf("failed to encode event report %s: %w", r.ID, err)
	}
	return b, nil
}

// SharedInfo is the unencrypted context of an aggregate report.
type SharedInfo struct {
	ScheduledReportTime string         `json:"scheduled_report_time"`
	PrivacyBudgetKey    string         `json:"privacy_budget_key"`
	Version             string         `json:"version"`
	ReportID            types.ReportID `json:"report_id"`
	ReportingOrigin     string         `json:"reporting_origin"`
}

// AggregationServicePayload carries one encoded histogram.
type AggregationServicePayload struct {
	DebugCleartextPayload string `json:"debug_cleartext_payload"`
}

// AggregateReportBody is the aggregate report wire shape.
type AggregateReportBody struct {
	SourceSite                 string                      `json:"source_site"`
	AttributionDestination     string                      `json:"attribution_destination"`
	SourceRegistrationTime     string                      `json:"source_registration_time"`
	SharedInfo                 SharedInfo                  `json:"shared_info"`
	AggregationServicePayloads []AggregationServicePayload `json:"aggregation_service_payloads"`
}

// NewAggregateReportBody maps a stored report to its wire shape.
func NewAggregateReportBody(r *types.AggregateReport) (AggregateReportBody, error) {
	payload, err := EncodeHistogram(r.Contributions)
	if err != nil {
		return AggregateReportBody{}, err
	}
	version := r.APIVersion
	if version == "" {
		version = AggregateAPIVersion
	}
	return AggregateReportBody{
		SourceSite:             r.SourceSite,
		AttributionDestination: r.Destination,
		SourceRegistrationTime: unixSeconds(r.SourceRegistrationTime),
		SharedInfo: SharedInfo{
			ScheduledReportTime: unixSeconds(r.ScheduledReportTime),
			PrivacyBudgetKey:    PrivacyBudgetKey(version, r.ReportingOrigin, r.Destination, r.SourceSite, r.SourceRegistrationTime),
			Version:             version,
			ReportID:            r.ID,
			ReportingOrigin:     r.ReportingOrigin,
		},
		AggregationServicePayloads: []AggregationServicePayload{
			{DebugCleartextPayload: base64.StdEncoding.EncodeToString(payload)},
		},
	}, nil
}

// AggregateReportJSON encodes an aggregate report body.
func AggregateReportJSON(r *types.AggregateReport) ([]byte, error) {
	body, err := NewAggregateReportBody(r)
	if err != nil {
		return nil, fmt.Errorf("failed to build aggregate report %s: %w", r.ID, err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregate report %s: %w", r.ID, err)
	}
	return b, nil
}

// PrivacyBudgetKey identifies the budget an aggregation service charges for a
// report: one key per (version, origin, destination, source site, registration).
func PrivacyBudgetKey(version, reportingOrigin, destination, sourceSite string, registered time.Time) string {
	h := sha256.New()
	for _, part := range []string{version, reportingOrigin, destination, sourceSite, unixSeconds(registered)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func unixSeconds(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
