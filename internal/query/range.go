// Package query builds the range-typed selectors and the hashable call
// descriptions sent to the Epidata backend.
package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

// TimeValue is a time key: YYYYMMDD for daily signals, YYYYWW for weekly.
type TimeValue int

// Day returns the daily TimeValue of t.
func Day(t time.Time) TimeValue {
	return TimeValue(models.DateOf(t))
}

// EpiWeek returns the weekly TimeValue for an epidemiological week.
func EpiWeek(year, week int) TimeValue {
	return TimeValue(year*100 + week)
}

func (v TimeValue) String() string { return strconv.Itoa(int(v)) }

// ParseTimeValue parses the integer wire form of a TimeValue.
func ParseTimeValue(s string) (TimeValue, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time value %q", s)
	}
	return TimeValue(n), nil
}

// GeoCode identifies a location within a geo_type ("ny", "42003", "us").
type GeoCode string

func (g GeoCode) String() string { return string(g) }

// reservedGeoChars separate or stand in for values in the wire form.
const reservedGeoChars = "*,"

// ParseGeoCode trims s and rejects empty codes and codes containing '*' or ','.
func ParseGeoCode(s string) (GeoCode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty geo value")
	}
	g := GeoCode(s)
	if err := checkValue(g); err != nil {
		return "", err
	}
	return g, nil
}

// ParseDate is models.ParseDate, exposed with the other domain parsers.
func ParseDate(s string) (models.Date, error) {
	return models.ParseDate(strings.TrimSpace(s))
}

// Value is the set of ordered domains a Range can select over.
type Value interface {
	models.Date | TimeValue | GeoCode
	String() string
}

// Kind tags the variant held by a Range.
type Kind int

const (
	kindUnset Kind = iota
	KindSingle
	KindWildcard
	KindInterval
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindWildcard:
		return "wildcard"
	case KindInterval:
		return "interval"
	case KindList:
		return "list"
	}
	return "unset"
}

// Range selects values of one domain: a single value, every value, a closed
// interval or an explicit list. The zero Range is unset.
type Range[T Value] struct {
	kind   Kind
	lo, hi T
	values []T
}

// Single selects exactly v.
func Single[T Value](v T) Range[T] {
	return Range[T]{kind: KindSingle, lo: v, hi: v}
}

// Wildcard selects every value of the domain.
func Wildcard[T Value]() Range[T] {
	return Range[T]{kind: KindWildcard}
}

// Interval selects [start, end]. It fails if start > end.
func Interval[T Value](start, end T) (Range[T], error) {
	if err := checkValue(start); err != nil {
		return Range[T]{}, err
	}
	if err := checkValue(end); err != nil {
		return Range[T]{}, err
	}
	if start > end {
		return Range[T]{}, &models.InvalidRangeError{Start: start.String(), End: end.String()}
	}
	return Range[T]{kind: KindInterval, lo: start, hi: end}, nil
}

// MustInterval is Interval for literals known to be ordered.
func MustInterval[T Value](start, end T) Range[T] {
	r, err := Interval(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// List selects the given values in the given order.
func List[T Value](values ...T) (Range[T], error) {
	if len(values) == 0 {
		return Range[T]{}, &models.InvalidRangeError{}
	}
	for _, v := range values {
		if err := checkValue(v); err != nil {
			return Range[T]{}, err
		}
	}
	return Range[T]{kind: KindList, values: slices.Clone(values)}, nil
}

// Check reports values whose wire form would read as a different selector,
// such as a single geo code "*". Single cannot fail, so callers building
// specs from arbitrary input check here.
func (r Range[T]) Check() error {
	switch r.kind {
	case KindSingle, KindInterval:
		if err := checkValue(r.lo); err != nil {
			return err
		}
		return checkValue(r.hi)
	case KindList:
		for _, v := range r.values {
			if err := checkValue(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkValue[T Value](v T) error {
	if g, ok := any(v).(GeoCode); ok && strings.ContainsAny(string(g), reservedGeoChars) {
		return fmt.Errorf("%w: geo value %q contains '*' or ','", models.ErrInvalidQuery, string(g))
	}
	return nil
}

func (r Range[T]) Kind() Kind   { return r.kind }
func (r Range[T]) IsZero() bool { return r.kind == kindUnset }

// Value returns the selected value of a single range.
func (r Range[T]) Value() T { return r.lo }

// Bounds returns the endpoints of an interval or single range.
func (r Range[T]) Bounds() (T, T) { return r.lo, r.hi }

// Values returns a copy of an explicit list.
func (r Range[T]) Values() []T { return slices.Clone(r.values) }

// Len is the number of explicit values, 1 for single, 0 otherwise.
func (r Range[T]) Len() int {
	switch r.kind {
	case KindSingle:
		return 1
	case KindList:
		return len(r.values)
	}
	return 0
}

// Contains reports whether v is selected.
func (r Range[T]) Contains(v T) bool {
	switch r.kind {
	case KindSingle:
		return v == r.lo
	case KindWildcard:
		return true
	case KindInterval:
		return r.lo <= v && v <= r.hi
	case KindList:
		return slices.Contains(r.values, v)
	}
	return false
}

// Equal reports structural equality: the same description, not merely the
// same selected set.
func (r Range[T]) Equal(o Range[T]) bool {
	if r.kind != o.kind {
		return false
	}
	switch r.kind {
	case KindSingle, KindInterval:
		return r.lo == o.lo && r.hi == o.hi
	case KindList:
		return slices.Equal(r.values, o.values)
	}
	return true
}

// Wire encodes the range in the backend's textual form.
func (r Range[T]) Wire() string {
	switch r.kind {
	case KindSingle:
		return r.lo.String()
	case KindWildcard:
		return "*"
	case KindInterval:
		return r.lo.String() + "-" + r.hi.String()
	case KindList:
		parts := make([]string, len(r.values))
		for i, v := range r.values {
			parts[i] = v.String()
		}
		return strings.Join(parts, ",")
	}
	return ""
}

func (r Range[T]) String() string { return r.Wire() }

// Chunk splits an explicit list longer than n into consecutive lists of at
// most n values. Other variants come back unchanged.
func (r Range[T]) Chunk(n int) []Range[T] {
	if r.kind != KindList || n <= 0 || len(r.values) <= n {
		return []Range[T]{r}
	}
	chunks := make([]Range[T], 0, (len(r.values)+n-1)/n)
	for start := 0; start < len(r.values); start += n {
		end := min(start+n, len(r.values))
		chunks = append(chunks, Range[T]{kind: KindList, values: slices.Clone(r.values[start:end])})
	}
	return chunks
}

// ParseRange inverts Wire: "*", "v", "a-b" and "a,b,c" are accepted.
func ParseRange[T Value](s string, parse func(string) (T, error)) (Range[T], error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "*":
		return Wildcard[T](), nil
	case strings.Contains(s, ","):
		parts := strings.Split(s, ",")
		values := make([]T, 0, len(parts))
		for _, p := range parts {
			v, err := parse(p)
			if err != nil {
				return Range[T]{}, err
			}
			values = append(values, v)
		}
		return List(values...)
	}
	if start, end, ok := splitInterval(s, parse); ok {
		return Interval(start, end)
	}
	v, err := parse(s)
	if err != nil {
		return Range[T]{}, err
	}
	return Single(v), nil
}

// splitInterval finds the first '-' whose halves both parse, so bounds that
// contain dashes themselves (2022-05-01) still work.
func splitInterval[T Value](s string, parse func(string) (T, error)) (T, T, bool) {
	var zero T
	for i := 1; i < len(s)-1; i++ {
		if s[i] != '-' {
			continue
		}
		start, err := parse(s[:i])
		if err != nil {
			continue
		}
		end, err := parse(s[i+1:])
		if err != nil {
			continue
		}
		return start, end, true
	}
	return zero, zero, false
}
