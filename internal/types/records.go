package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"
)

// Source is an impression or click registration.
type Source struct {
	ID                       SourceID
	EventID                  UnsignedLong
	SourceType               SourceType
	Publisher                string // source site origin
	Destinations             []string
	ReportingOrigin          string
	Registrant               string
	EventTime                time.Time
	ExpiryTime               time.Time
	Priority                 int64
	FilterData               FilterMap
	InstallAttributionWindow time.Duration
	InstallAttributed        bool
	AttributionMode          AttributionMode

	// AggregationKeys maps key id to a 128-bit hex key piece ("0x...").
	AggregationKeys map[string]string
	// AggregateContributions is the lifetime budget already spent.
	AggregateContributions int64

	EventReportDedupKeys     []UnsignedLong
	AggregateReportDedupKeys []UnsignedLong

	// TriggerSpecs holds the verbose flexible event-report JSON; empty means
	// the default schema for SourceType applies.
	TriggerSpecs         string
	MaxEventLevelReports int
	// AttributedTriggers is flexible-schema state accumulated by attribution.
	AttributedTriggers []AttributedTrigger
}

// HasDestination reports whether dest is one of the source destinations.
func (s *Source) HasDestination(dest string) bool {
	return slices.Contains(s.Destinations, dest)
}

// HasEventDedupKey reports whether key was already attributed at event level.
func (s *Source) HasEventDedupKey(key UnsignedLong) bool {
	return slices.Contains(s.EventReportDedupKeys, key)
}

// HasAggregateDedupKey reports whether key was already attributed at aggregate level.
func (s *Source) HasAggregateDedupKey(key UnsignedLong) bool {
	return slices.Contains(s.AggregateReportDedupKeys, key)
}

// AttributedTrigger is one trigger already credited to a flexible-schema source.
type AttributedTrigger struct {
	TriggerID   TriggerID     `json:"trigger_id"`
	TriggerData UnsignedLong  `json:"trigger_data"`
	Priority    int64         `json:"priority"`
	Value       int64         `json:"value"`
	DedupKey    *UnsignedLong `json:"dedup_key,omitempty"`
}

// Trigger is a conversion registration.
type Trigger struct {
	ID                      TriggerID
	TriggerTime             time.Time
	Destination             string
	ReportingOrigin         string
	Registrant              string
	EventTriggers           []EventTrigger
	AggregatableTriggerData []AggregatableTriggerData
	AggregatableValues      map[string]int64
	AggregateDedupKeys      []AggregateDedupKey
	Filters                 FilterSet
	NotFilters              FilterSet
	Status                  TriggerStatus
}

// EventTrigger is one candidate from a trigger's event_trigger_data array.
type EventTrigger struct {
	TriggerData UnsignedLong  `json:"trigger_data"`
	Priority    int64         `json:"priority,string,omitempty"`
	Value       int64         `json:"value,omitempty" validate:"gte=0,lte=4294967295"`
	DedupKey    *UnsignedLong `json:"deduplication_key,omitempty"`
	Filters     FilterSet     `json:"filters,omitempty"`
	NotFilters  FilterSet     `json:"not_filters,omitempty"`
}

// AggregatableTriggerData contributes KeyPiece to every listed source key.
type AggregatableTriggerData struct {
	KeyPiece   string    `json:"key_piece"`
	SourceKeys []string  `json:"source_keys"`
	Filters    FilterSet `json:"filters,omitempty"`
	NotFilters FilterSet `json:"not_filters,omitempty"`
}

// AggregateDedupKey is selected when its filters match the attributed source.
type AggregateDedupKey struct {
	DedupKey   *UnsignedLong `json:"deduplication_key,omitempty"`
	Filters    FilterSet     `json:"filters,omitempty"`
	NotFilters FilterSet     `json:"not_filters,omitempty"`
}

// SummaryBucket is a [Lower, Upper) range of a flexible-schema summary value.
type SummaryBucket struct {
	Lower int64
	Upper int64
}

// EventReport is an event-level attribution report.
type EventReport struct {
	ID                    ReportID
	SourceID              SourceID
	TriggerID             TriggerID // empty for fake reports
	SourceEventID         UnsignedLong
	SourceType            SourceType
	Destination           string
	ReportingOrigin       string
	TriggerTime           time.Time
	TriggerData           UnsignedLong
	TriggerPriority       int64
	TriggerDedupKey       *UnsignedLong
	ReportTime            time.Time
	RandomizedTriggerRate float64
	TriggerSummaryBucket  *SummaryBucket
	Status                ReportStatus
	Fake                  bool
}

// AggregateHistogramContribution is one (bucket, value) pair.
type AggregateHistogramContribution struct {
	Bucket *big.Int
	Value  uint32
}

type contributionJSON struct {
	Bucket string `json:"bucket"`
	Value  uint32 `json:"value"`
}

// MarshalJSON writes the bucket as a 0x-prefixed hex string.
func (c AggregateHistogramContribution) MarshalJSON() ([]byte, error) {
	bucket := "0x0"
	if c.Bucket != nil {
		bucket = "0x" + c.Bucket.Text(16)
	}
	return json.Marshal(contributionJSON{Bucket: bucket, Value: c.Value})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *AggregateHistogramContribution) UnmarshalJSON(data []byte) error {
	var raw contributionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	bucket, err := ParseKeyPiece(raw.Bucket)
	if err != nil {
		return err
	}
	c.Bucket = bucket
	c.Value = raw.Value
	return nil
}

// AggregateReport carries histogram contributions for the aggregation service.
type AggregateReport struct {
	ID                     ReportID
	SourceID               SourceID
	TriggerID              TriggerID
	SourceSite             string
	Destination            string
	ReportingOrigin        string
	SourceRegistrationTime time.Time
	ScheduledReportTime    time.Time
	TriggerTime            time.Time
	Contributions          []AggregateHistogramContribution
	APIVersion             string
	DedupKey               *UnsignedLong
	Status                 ReportStatus
}

// Attribution is an insert-only audit row counted by the rate limiter.
type Attribution struct {
	ID              string
	Scope           RateLimitScope
	SourceSite      string
	DestinationSite string
	ReportingOrigin string
	Registrant      string
	TriggerTime     time.Time
	SourceID        SourceID
	TriggerID       TriggerID
}

// MaxKeyPieceBits is the width of aggregation buckets.
const MaxKeyPieceBits = 128

// ParseKeyPiece parses a 0x-prefixed hex value of at most 128 bits.
func ParseKeyPiece(s string) (*big.Int, error) {
	hex, ok := strings.CutPrefix(strings.ToLower(s), "0x")
	if !ok || hex == "" || len(hex) > MaxKeyPieceBits/4 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAggregateKey, s)
	}
	v, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAggregateKey, s)
	}
	return v, nil
}
