package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
)

// UnsignedLong is a 64-bit value with unsigned semantics for source event ids,
// trigger data and dedup keys. Values above math.MaxInt64 are legal and must
// never be sign-extended, so comparison, hashing and text conversion all go
// through uint64.
type UnsignedLong uint64

// ParseUnsignedLong parses a base-10 string. Negative numbers and values
// outside [0, 2^64) are rejected.
func ParseUnsignedLong(s string) (UnsignedLong, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unsigned 64-bit value %q: %w", s, err)
	}
	return UnsignedLong(v), nil
}

// Uint64 returns the raw value.
func (u UnsignedLong) Uint64() uint64 { return uint64(u) }

// String renders the value in base 10 without sign.
func (u UnsignedLong) String() string {
	return strconv.FormatUint(uint64(u), 10)
}

// Compare returns -1, 0 or 1.
func (u UnsignedLong) Compare(other UnsignedLong) int {
	switch {
	case u < other:
		return -1
	case u > other:
		return 1
	default:
		return 0
	}
}

// Mod truncates to the cardinality of a trigger data space.
func (u UnsignedLong) Mod(cardinality uint64) UnsignedLong {
	if cardinality == 0 {
		return u
	}
	return UnsignedLong(uint64(u) % cardinality)
}

// MarshalJSON emits the value as a JSON string. Numbers above 2^53 lose
// precision in most JSON consumers.
func (u UnsignedLong) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (u *UnsignedLong) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	v, err := ParseUnsignedLong(s)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Value implements driver.Valuer. Stored as decimal text: SQL integer
// columns are signed and would reorder values above MaxInt64.
func (u UnsignedLong) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements sql.Scanner.
func (u *UnsignedLong) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseUnsignedLong(v)
		if err != nil {
			return err
		}
		*u = parsed
	case []byte:
		parsed, err := ParseUnsignedLong(string(v))
		if err != nil {
			return err
		}
		*u = parsed
	case int64:
		*u = UnsignedLong(uint64(v))
	default:
		return fmt.Errorf("cannot scan %T into UnsignedLong", src)
	}
	return nil
}
