package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Date is a calendar day encoded as a YYYYMMDD integer, the way the Epidata
// API reports issue and as-of dates.
type Date int

// DateOf returns the Date for t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// ParseDate parses YYYYMMDD or YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	layout := "20060102"
	if len(s) == 10 {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Time returns the UTC midnight of d.
func (d Date) Time() time.Time {
	v := int(d)
	return time.Date(v/10000, time.Month(v/100%100), v%100, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return strconv.Itoa(int(d))
}

// Row is one observation reported by the backend.
type Row struct {
	Source            string   `json:"source,omitempty"`
	Signal            string   `json:"signal"`
	GeoType           string   `json:"geo_type,omitempty"`
	GeoValue          string   `json:"geo_value"`
	TimeType          string   `json:"time_type,omitempty"`
	TimeValue         int      `json:"time_value"`
	Value             *float64 `json:"value"`
	Stderr            *float64 `json:"stderr"`
	SampleSize        *float64 `json:"sample_size"`
	Issue             Date     `json:"issue"`
	Lag               int      `json:"lag"`
	MissingValue      int      `json:"missing_value"`
	MissingStderr     int      `json:"missing_stderr"`
	MissingSampleSize int      `json:"missing_sample_size"`

	// Extra holds backend fields this client does not advertise, verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// Clone returns a copy of r that shares no memory with it.
func (r Row) Clone() Row {
	r.Value = cloneFloat(r.Value)
	r.Stderr = cloneFloat(r.Stderr)
	r.SampleSize = cloneFloat(r.SampleSize)
	if r.Extra != nil {
		extra := make(map[string]json.RawMessage, len(r.Extra))
		for k, v := range r.Extra {
			extra[k] = slices.Clone(v)
		}
		r.Extra = extra
	}
	return r
}

// CloneRows deep-copies rows. A nil slice stays nil.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

var knownRowFields = map[string]bool{
	"source": true, "signal": true, "geo_type": true, "geo_value": true,
	"time_type": true, "time_value": true, "value": true, "stderr": true,
	"sample_size": true, "issue": true, "lag": true, "missing_value": true,
	"missing_stderr": true, "missing_sample_size": true,
}

// rowAlias drops Row's methods so the codecs below don't recurse.
type rowAlias Row

// UnmarshalJSON decodes the advertised fields and keeps the rest in Extra.
func (r *Row) UnmarshalJSON(data []byte) error {
	var base rowAlias
	if err := json.Unmarshal(data, &base); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k, v := range all {
		if knownRowFields[k] {
			continue
		}
		if base.Extra == nil {
			base.Extra = make(map[string]json.RawMessage)
		}
		base.Extra[k] = v
	}
	*r = Row(base)
	return nil
}

// MarshalJSON writes the advertised fields followed by Extra.
func (r Row) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(rowAlias(r))
	if err != nil || len(r.Extra) == 0 {
		return data, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for k, v := range r.Extra {
		if !knownRowFields[k] {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Field returns the textual value of a column, as used for tabular output.
func (r Row) Field(name string) string {
	switch name {
	case "source":
		return r.Source
	case "signal":
		return r.Signal
	case "geo_type":
		return r.GeoType
	case "geo_value":
		return r.GeoValue
	case "time_type":
		return r.TimeType
	case "time_value":
		return strconv.Itoa(r.TimeValue)
	case "value":
		return formatFloat(r.Value)
	case "stderr":
		return formatFloat(r.Stderr)
	case "sample_size":
		return formatFloat(r.SampleSize)
	case "issue":
		return r.Issue.String()
	case "lag":
		return strconv.Itoa(r.Lag)
	case "missing_value":
		return strconv.Itoa(r.MissingValue)
	case "missing_stderr":
		return strconv.Itoa(r.MissingStderr)
	case "missing_sample_size":
		return strconv.Itoa(r.MissingSampleSize)
	}
	if raw, ok := r.Extra[name]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	return ""
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// DefaultColumns is the column order used when a caller doesn't pick one.
var DefaultColumns = []string{
	"source", "signal", "geo_type", "geo_value", "time_type", "time_value",
	"issue", "lag", "value", "stderr", "sample_size",
}

// Page is one response body from the backend.
type Page struct {
	Rows    []Row  `json:"rows"`
	Cursor  string `json:"cursor,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusSuccess is the only page status that carries usable rows.
const StatusSuccess = "success"
