package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/spaolacci/murmur3"
)

// Reserved filter keys.
const (
	// FilterKeySourceType is injected from Source.SourceType at match time.
	FilterKeySourceType = "source_type"

	// FilterKeyLookbackWindow limits matches to sources registered within the
	// window (seconds) before the trigger.
	FilterKeyLookbackWindow = "_lookback_window"
)

// FilterMap maps an attribute key to a set of permitted values. Value order
// and duplicates carry no meaning; Equal and Hash are structural.
type FilterMap map[string][]string

// Equal reports structural equality, treating value lists as sets.
func (m FilterMap) Equal(other FilterMap) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok {
			return false
		}
		if !slices.Equal(normalize(v), normalize(ov)) {
			return false
		}
	}
	return true
}

// Hash returns a murmur3 hash over sorted keys and normalized value sets.
// Equal maps always hash equal.
func (m FilterMap) Hash() uint64 {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := murmur3.New64()
	var sep [8]byte
	for _, k := range keys {
		binary.BigEndian.PutUint64(sep[:], uint64(len(k)))
		h.Write(sep[:])
		h.Write([]byte(k))
		for _, v := range normalize(m[k]) {
			binary.BigEndian.PutUint64(sep[:], uint64(len(v)))
			h.Write(sep[:])
			h.Write([]byte(v))
		}
	}
	return h.Sum64()
}

// LookbackWindow returns the _lookback_window duration if declared.
func (m FilterMap) LookbackWindow() (time.Duration, bool) {
	vals, ok := m[FilterKeyLookbackWindow]
	if !ok || len(vals) != 1 {
		return 0, false
	}
	secs, err := strconv.ParseInt(vals[0], 10, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// UnmarshalJSON accepts {"key": ["v1", "v2"], "_lookback_window": 86400}.
func (m *FilterMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	out := make(FilterMap, len(raw))
	for k, v := range raw {
		if k == FilterKeyLookbackWindow {
			var secs int64
			if err := json.Unmarshal(v, &secs); err != nil {
				return fmt.Errorf("%w: %s must be an integer", ErrInvalidFilter, k)
			}
			out[k] = []string{strconv.FormatInt(secs, 10)}
			continue
		}
		var vals []string
		if err := json.Unmarshal(v, &vals); err != nil {
			return fmt.Errorf("%w: values for %q must be a string array", ErrInvalidFilter, k)
		}
		out[k] = vals
	}
	*m = out
	return nil
}

// MarshalJSON writes _lookback_window back as a number.
func (m FilterMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == FilterKeyLookbackWindow {
			if d, ok := m.LookbackWindow(); ok {
				out[k] = int64(d / time.Second)
				continue
			}
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// FilterSet is a disjunction of filter maps. JSON accepts either a single
// object or an array of objects.
type FilterSet []FilterMap

// UnmarshalJSON implements json.Unmarshaler.
func (s *FilterSet) UnmarshalJSON(data []byte) error {
	trimmed := firstNonSpace(data)
	if trimmed == '{' {
		var m FilterMap
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*s = FilterSet{m}
		return nil
	}
	var maps []FilterMap
	if err := json.Unmarshal(data, &maps); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	*s = maps
	return nil
}

// ValidateFilterData checks source-side filter data limits and reserved keys.
func ValidateFilterData(m FilterMap) error {
	if len(m) > MaxFilterKeys {
		return fmt.Errorf("%w: too many keys (%d)", ErrInvalidFilter, len(m))
	}
	for k, vals := range m {
		if k == FilterKeySourceType || (len(k) > 0 && k[0] == '_') {
			return fmt.Errorf("%w: %q", ErrReservedFilterKey, k)
		}
		if err := validateFilterEntry(k, vals); err != nil {
			return err
		}
	}
	return nil
}

// ValidateFilterSet checks trigger-side filter limits.
func ValidateFilterSet(s FilterSet) error {
	if len(s) > MaxFilterMapsPerFilterSet {
		return fmt.Errorf("%w: too many filter maps (%d)", ErrInvalidFilter, len(s))
	}
	for _, m := range s {
		if len(m) > MaxFilterKeys {
			return fmt.Errorf("%w: too many keys (%d)", ErrInvalidFilter, len(m))
		}
		for k, vals := range m {
			if k == FilterKeyLookbackWindow {
				if _, ok := m.LookbackWindow(); !ok {
					return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidFilter, k)
				}
				continue
			}
			if err := validateFilterEntry(k, vals); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateFilterEntry(k string, vals []string) error {
	if len(k) > MaxFilterStringLength {
		return fmt.Errorf("%w: key %q too long", ErrInvalidFilter, k)
	}
	if len(vals) > MaxFilterValues {
		return fmt.Errorf("%w: too many values for %q", ErrInvalidFilter, k)
	}
	for _, v := range vals {
		if len(v) > MaxFilterStringLength {
			return fmt.Errorf("%w: value %q too long", ErrInvalidFilter, v)
		}
	}
	return nil
}

func normalize(vals []string) []string {
	out := slices.Clone(vals)
	sort.Strings(out)
	return slices.Compact(out)
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b
		}
	}
	return 0
}
