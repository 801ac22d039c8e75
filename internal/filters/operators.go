// internal/filters/operators.go
package filters

// keyMatches reports whether two value sets "match" for a single key: both
// empty, or a non-empty intersection. Callers negate it for not_filters.
func keyMatches(have, want []string) bool {
	if len(want) == 0 || len(have) == 0 {
		return len(want) == 0 && len(have) == 0
	}
	return intersects(have, want)
}

// intersects checks set membership of any want value in have.
// Small lists scan linearly; larger ones index have first.
func intersects(have, want []string) bool {
	if len(have)*len(want) <= 64 {
		for _, w := range want {
			for _, h := range have {
				if w == h {
					return true
				}
			}
		}
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}
