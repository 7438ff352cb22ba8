package server

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/epidata"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/planner"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

// Request fields. Ranges use the backend wire form ("*", "v", "a-b", "a,b").
const (
	fieldSource     = "source"
	fieldSignals    = "signals"
	fieldGeoType    = "geo_type"
	fieldGeoValues  = "geo_values"
	fieldTimeType   = "time_type"
	fieldTimeValues = "time_values"
	fieldAsOf       = "as_of"
	fieldIssues     = "issues"
	fieldColumns    = "columns"
)

type RequestValidator struct {
	validTimeTypes map[string]bool
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{
		validTimeTypes: map[string]bool{
			query.TimeTypeDay:  true,
			query.TimeTypeWeek: true,
		},
	}
}

// Validate converts a request into query parameters and an optional column
// projection.
func (v *RequestValidator) Validate(req *structpb.Struct) (epidata.Params, []string, error) {
	var p epidata.Params
	if req == nil {
		return p, nil, fmt.Errorf("empty request")
	}
	fields := req.GetFields()

	source, err := stringField(fields, fieldSource)
	if err != nil {
		return p, nil, err
	}
	names, err := listField(fields, fieldSignals)
	if err != nil {
		return p, nil, err
	}
	if len(names) == 0 {
		return p, nil, fmt.Errorf("missing %s", fieldSignals)
	}
	for _, n := range names {
		// Bare names take the request's source.
		if !strings.Contains(n, ":") && source != "" {
			n = source + ":" + n
		}
		s, err := planner.ParseSignal(n)
		if err != nil {
			return p, nil, err
		}
		p.Signals = append(p.Signals, s)
	}

	if p.GeoType, err = requiredField(fields, fieldGeoType); err != nil {
		return p, nil, err
	}
	geo, err := requiredField(fields, fieldGeoValues)
	if err != nil {
		return p, nil, err
	}
	if p.GeoValues, err = query.ParseRange(geo, query.ParseGeoCode); err != nil {
		return p, nil, fmt.Errorf("invalid %s: %w", fieldGeoValues, err)
	}

	if p.TimeType, err = requiredField(fields, fieldTimeType); err != nil {
		return p, nil, err
	}
	if !v.validTimeTypes[p.TimeType] {
		return p, nil, fmt.Errorf("invalid %s: %s", fieldTimeType, p.TimeType)
	}
	times, err := requiredField(fields, fieldTimeValues)
	if err != nil {
		return p, nil, err
	}
	if p.TimeValues, err = query.ParseRange(times, query.ParseTimeValue); err != nil {
		return p, nil, fmt.Errorf("invalid %s: %w", fieldTimeValues, err)
	}

	asOf, err := stringField(fields, fieldAsOf)
	if err != nil {
		return p, nil, err
	}
	if asOf != "" {
		if p.AsOf, err = query.ParseDate(asOf); err != nil {
			return p, nil, fmt.Errorf("invalid %s: %w", fieldAsOf, err)
		}
	}

	issues, err := stringField(fields, fieldIssues)
	if err != nil {
		return p, nil, err
	}
	if issues != "" {
		if p.Issues, err = query.ParseRange(issues, query.ParseDate); err != nil {
			return p, nil, fmt.Errorf("invalid %s: %w", fieldIssues, err)
		}
	}
	if p.AsOf != 0 && !p.Issues.IsZero() {
		return p, nil, fmt.Errorf("%s and %s are mutually exclusive", fieldAsOf, fieldIssues)
	}

	cols, err := listField(fields, fieldColumns)
	if err != nil {
		return p, nil, err
	}
	return p, cols, nil
}

func requiredField(fields map[string]*structpb.Value, name string) (string, error) {
	s, err := stringField(fields, name)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return s, nil
}

// stringField reads a string, or an integer such as 20220510.
func stringField(fields map[string]*structpb.Value, name string) (string, error) {
	val, ok := fields[name]
	if !ok {
		return "", nil
	}
	switch k := val.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(k.StringValue), nil
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != float64(int64(n)) {
			return "", fmt.Errorf("invalid %s: %v is not an integer", name, n)
		}
		return strconv.FormatInt(int64(n), 10), nil
	case *structpb.Value_NullValue:
		return "", nil
	}
	return "", fmt.Errorf("invalid %s: expected a string", name)
}

// listField reads a list of strings or a comma separated string.
func listField(fields map[string]*structpb.Value, name string) ([]string, error) {
	val, ok := fields[name]
	if !ok {
		return nil, nil
	}
	var items []string
	switch k := val.GetKind().(type) {
	case *structpb.Value_StringValue:
		items = strings.Split(k.StringValue, ",")
	case *structpb.Value_ListValue:
		for _, item := range k.ListValue.GetValues() {
			s, ok := item.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return nil, fmt.Errorf("invalid %s: expected strings", name)
			}
			items = append(items, s.StringValue)
		}
	case *structpb.Value_NullValue:
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid %s: expected a list", name)
	}

	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
