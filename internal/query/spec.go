package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

// Supported time types.
const (
	TimeTypeDay  = "day"
	TimeTypeWeek = "week"
)

// Spec fully describes one backend call.
type Spec struct {
	Source     string
	Signals    []string
	GeoType    string
	GeoValues  Range[GeoCode]
	TimeType   string
	TimeValues Range[TimeValue]

	// AsOf selects the snapshot published on that date; zero means latest.
	AsOf models.Date
	// Issues optionally restricts results to the given issue dates.
	Issues Range[models.Date]
}

// Fingerprint identifies a Spec for caching and coalescing.
type Fingerprint string

// Validate checks the parts of the call contract that can be checked
// without the backend.
func (s Spec) Validate() error {
	switch {
	case s.Source == "":
		return fmt.Errorf("%w: missing source", models.ErrInvalidQuery)
	case len(s.Signals) == 0:
		return fmt.Errorf("%w: no signals", models.ErrInvalidQuery)
	case s.GeoType == "":
		return fmt.Errorf("%w: missing geo_type", models.ErrInvalidQuery)
	case s.GeoValues.IsZero():
		return fmt.Errorf("%w: missing geo_values", models.ErrInvalidQuery)
	case s.GeoValues.Check() != nil:
		return s.GeoValues.Check()
	case s.TimeType != TimeTypeDay && s.TimeType != TimeTypeWeek:
		return fmt.Errorf("%w: unsupported time_type %q", models.ErrInvalidQuery, s.TimeType)
	case s.TimeValues.IsZero():
		return fmt.Errorf("%w: missing time_values", models.ErrInvalidQuery)
	case s.AsOf != 0 && !s.Issues.IsZero():
		return fmt.Errorf("%w: as_of and issues are mutually exclusive", models.ErrInvalidQuery)
	}
	return nil
}

// signalSet is the sorted, deduplicated signal list.
func (s Spec) signalSet() []string {
	set := slices.Clone(s.Signals)
	slices.Sort(set)
	return slices.Compact(set)
}

// Fingerprint hashes every field by value. Signals are compared as a set.
func (s Spec) Fingerprint() Fingerprint {
	var b strings.Builder
	field := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(v))
		b.WriteByte(';')
	}
	field("source", s.Source)
	field("signals", strings.Join(s.signalSet(), ","))
	field("geo_type", s.GeoType)
	field("geo_values", s.GeoValues.Kind().String()+":"+s.GeoValues.Wire())
	field("time_type", s.TimeType)
	field("time_values", s.TimeValues.Kind().String()+":"+s.TimeValues.Wire())
	field("as_of", strconv.Itoa(int(s.AsOf)))
	field("issues", s.Issues.Kind().String()+":"+s.Issues.Wire())

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Params encodes s as backend query parameters. Signals keep their
// caller order.
func (s Spec) Params() url.Values {
	p := url.Values{}
	p.Set("source", s.Source)
	p.Set("signals", strings.Join(s.Signals, ","))
	p.Set("geo_type", s.GeoType)
	p.Set("geo_values", s.GeoValues.Wire())
	p.Set("time_type", s.TimeType)
	p.Set("time_values", s.TimeValues.Wire())
	if s.AsOf != 0 {
		p.Set("as_of", s.AsOf.String())
	}
	if !s.Issues.IsZero() {
		p.Set("issues", s.Issues.Wire())
	}
	return p
}

func (s Spec) String() string {
	return s.Params().Encode()
}
