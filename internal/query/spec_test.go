package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

func hhsSpec() Spec {
	return Spec{
		Source:     "hhs",
		Signals:    []string{"flu_admissions"},
		GeoType:    "nation",
		GeoValues:  Wildcard[GeoCode](),
		TimeType:   TimeTypeDay,
		TimeValues: MustInterval(TimeValue(20220401), TimeValue(20220430)),
	}
}

func TestSpecParamsAsOf(t *testing.T) {
	spec := hhsSpec()
	spec.AsOf = 20220510

	p := spec.Params()
	assert.Equal(t, "hhs", p.Get("source"))
	assert.Equal(t, "flu_admissions", p.Get("signals"))
	assert.Equal(t, "nation", p.Get("geo_type"))
	assert.Equal(t, "*", p.Get("geo_values"))
	assert.Equal(t, "day", p.Get("time_type"))
	assert.Equal(t, "20220401-20220430", p.Get("time_values"))
	assert.Equal(t, "20220510", p.Get("as_of"))
	assert.False(t, p.Has("issues"))

	latest := hhsSpec()
	assert.False(t, latest.Params().Has("as_of"))
	assert.NotEqual(t, spec.Fingerprint(), latest.Fingerprint())
}

func TestFingerprintSignalsAsSet(t *testing.T) {
	a := hhsSpec()
	a.Signals = []string{"b", "a", "a"}
	b := hhsSpec()
	b.Signals = []string{"a", "b"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	// Output order is still the caller's.
	assert.Equal(t, "b,a,a", a.Params().Get("signals"))
}

func TestFingerprintDistinguishesFields(t *testing.T) {
	base := hhsSpec()
	list, _ := List(TimeValue(20220401), TimeValue(20220430))
	issues, _ := List(models.Date(20220501))

	variants := map[string]func(*Spec){
		"source":      func(s *Spec) { s.Source = "jhu-csse" },
		"signal":      func(s *Spec) { s.Signals = []string{"other"} },
		"geo type":    func(s *Spec) { s.GeoType = "state" },
		"geo values":  func(s *Spec) { s.GeoValues = Single(GeoCode("us")) },
		"time type":   func(s *Spec) { s.TimeType = TimeTypeWeek },
		"time values": func(s *Spec) { s.TimeValues = list },
		"as of":       func(s *Spec) { s.AsOf = 20220510 },
		"issues":      func(s *Spec) { s.Issues = issues },
	}

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			s := hhsSpec()
			mutate(&s)
			assert.NotEqual(t, base.Fingerprint(), s.Fingerprint())
		})
	}

	assert.Equal(t, base.Fingerprint(), hhsSpec().Fingerprint())
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Spec) {}},
		{name: "missing source", mutate: func(s *Spec) { s.Source = "" }, wantErr: true},
		{name: "no signals", mutate: func(s *Spec) { s.Signals = nil }, wantErr: true},
		{name: "missing geo type", mutate: func(s *Spec) { s.GeoType = "" }, wantErr: true},
		{name: "unset geo values", mutate: func(s *Spec) { s.GeoValues = Range[GeoCode]{} }, wantErr: true},
		{name: "single star geo value", mutate: func(s *Spec) { s.GeoValues = Single(GeoCode("*")) }, wantErr: true},
		{name: "bad time type", mutate: func(s *Spec) { s.TimeType = "month" }, wantErr: true},
		{name: "unset time values", mutate: func(s *Spec) { s.TimeValues = Range[TimeValue]{} }, wantErr: true},
		{
			name: "as of with issues",
			mutate: func(s *Spec) {
				s.AsOf = 20220510
				s.Issues = Single(models.Date(20220501))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := hhsSpec()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, models.ErrInvalidQuery))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
