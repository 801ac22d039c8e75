package types

import (
	"time"

	"github.com/google/uuid"
)

// NewSourceID generates a UUIDv7 source identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewSourceID() SourceID {
	return SourceID(uuid.Must(uuid.NewV7()).String())
}

// NewTriggerID generates a UUIDv7 trigger identifier.
func NewTriggerID() TriggerID {
	return TriggerID(uuid.Must(uuid.NewV7()).String())
}

// NewReportID generates a UUIDv7 report identifier.
// Report ids are sent to reporting origins; time-ordering keeps delivery
// queries clustered.
func NewReportID() ReportID {
	return ReportID(uuid.Must(uuid.NewV7()).String())
}

// NewAttributionID generates an identifier for a rate-limit audit row.
func NewAttributionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseSourceID validates and converts a string to SourceID.
func ParseSourceID(s string) (SourceID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return SourceID(s), nil
}

// ParseTriggerID validates and converts a string to TriggerID.
func ParseTriggerID(s string) (TriggerID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return TriggerID(s), nil
}

// ReportIDTime extracts the timestamp embedded in a UUIDv7 report id.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func ReportIDTime(id ReportID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
