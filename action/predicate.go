package action

import "strconv"

// Predicate is a deliberately coarse description of the partition-column
// constraints an operation read, sufficient for the conflict checker's
// partition-value intersection test. Row-level predicate evaluation is
// out of scope.
type Predicate struct {
	// Column this constraint applies to.
	Column string
	// Eq, when non-nil, requires the partition value to equal this exact
	// string.
	Eq *string
	// Min/Max, when non-nil, bound the partition value inclusively. Values
	// are compared numerically when both sides parse as numbers, and
	// lexicographically (as Delta's string-encoded partition values)
	// otherwise. Either or both may be set to express an open or closed
	// range.
	Min *string
	Max *string
}

// Matches reports whether the given partition value for this predicate's
// column satisfies the constraint.
func (p Predicate) Matches(value string) bool {
	if p.Eq != nil {
		return value == *p.Eq
	}
	less := func(a, b string) bool {
		fa, errA := strconv.ParseFloat(a, 64)
		fb, errB := strconv.ParseFloat(b, 64)
		if errA == nil && errB == nil {
			return fa < fb
		}
		return a < b
	}
	if p.Min != nil && less(value, *p.Min) {
		return false
	}
	if p.Max != nil && less(*p.Max, value) {
		return false
	}
	return true
}

// Intersects reports whether partitionValues (a file's partition-column to
// value map) could contain rows that satisfy this predicate. A predicate on
// a column absent from partitionValues is treated as non-restricting,
// conservatively assumed to intersect.
func (p Predicate) Intersects(partitionValues map[string]string) bool {
	v, ok := partitionValues[p.Column]
	if !ok {
		return true
	}
	return p.Matches(v)
}
