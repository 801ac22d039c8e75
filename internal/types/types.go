// Package types provides domain models shared across attributor components.
//
// Records are plain structs: optional values use pointers or documented zero
// values instead of builders. Persistence adapters and the attribution engine
// both work on these types; wire formats live in internal/reports.
package types

import (
	"strings"
	"time"
)

// SourceID represents a UUIDv7 source registration identifier.
type SourceID string

// TriggerID represents a UUIDv7 trigger registration identifier.
type TriggerID string

// ReportID represents a UUIDv7 event or aggregate report identifier.
type ReportID string

// SourceType distinguishes impressions (event) from clicks (navigation).
type SourceType string

const (
	SourceTypeEvent      SourceType = "event"
	SourceTypeNavigation SourceType = "navigation"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	return t == SourceTypeEvent || t == SourceTypeNavigation
}

// AttributionMode records the randomized-response outcome chosen for a source.
type AttributionMode string

const (
	// AttributionModeUnassigned means noise has not been decided yet.
	AttributionModeUnassigned AttributionMode = ""
	AttributionModeTruthfully AttributionMode = "truthfully"
	AttributionModeFalsely    AttributionMode = "falsely"
	AttributionModeNever      AttributionMode = "never"
)

// TriggerStatus tracks trigger consumption.
type TriggerStatus string

const (
	TriggerStatusPending    TriggerStatus = "pending"
	TriggerStatusAttributed TriggerStatus = "attributed"
	TriggerStatusIgnored    TriggerStatus = "ignored"
)

// ReportStatus tracks delivery of event and aggregate reports.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusDelivered ReportStatus = "delivered"
)

// RateLimitScope separates event-level from aggregate attribution counters.
type RateLimitScope string

const (
	RateLimitScopeEvent     RateLimitScope = "event"
	RateLimitScopeAggregate RateLimitScope = "aggregate"
)

// Resource limits enforced at registration.
const (
	// MaxFilterMapsPerFilterSet bounds the disjunction evaluated per trigger.
	MaxFilterMapsPerFilterSet = 20

	// MaxFilterKeys bounds keys per filter map.
	MaxFilterKeys = 50

	// MaxFilterValues bounds values per filter key.
	MaxFilterValues = 50

	// MaxFilterStringLength bounds filter keys and values.
	MaxFilterStringLength = 25

	// MaxAggregateKeysPerRegistration bounds source keys and trigger data entries.
	MaxAggregateKeysPerRegistration = 50

	// MaxEventTriggers bounds event trigger entries per trigger.
	MaxEventTriggers = 10

	// MaxAggregatableValue bounds a single contribution.
	MaxAggregatableValue = 65536

	// MinSourceExpiry and MaxSourceExpiry bound the source lifetime.
	MinSourceExpiry = 24 * time.Hour
	MaxSourceExpiry = 30 * 24 * time.Hour
)

// Site reduces an origin such as "https://shop.d.example:443" to its scheme and
// registrable host. Rate limiting counts per site, not per origin. Without a
// public suffix list the last two host labels are kept.
func Site(origin string) string {
	scheme := "https"
	rest := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		scheme = origin[:i]
		rest = origin[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		rest = rest[:i]
	}
	labels := strings.Split(rest, ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return scheme + "://" + strings.Join(labels, ".")
}
