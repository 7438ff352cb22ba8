package models

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowKeepsUnknownFields(t *testing.T) {
	body := `{"geo_value":"us","signal":"confirmed_admissions_influenza_1d","time_value":20220401,
		"issue":20220403,"lag":2,"value":12.5,"stderr":null,"sample_size":null,
		"direction":null,"region_note":"all states"}`

	var row Row
	require.NoError(t, json.Unmarshal([]byte(body), &row))

	assert.Equal(t, "us", row.GeoValue)
	assert.Equal(t, 20220401, row.TimeValue)
	assert.Equal(t, Date(20220403), row.Issue)
	require.NotNil(t, row.Value)
	assert.Equal(t, 12.5, *row.Value)
	assert.Nil(t, row.Stderr)
	assert.Equal(t, json.RawMessage("null"), row.Extra["direction"])
	assert.Equal(t, "all states", row.Field("region_note"))

	data, err := json.Marshal(row)
	require.NoError(t, err)

	var again Row
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, row, again)
}

func TestRowClone(t *testing.T) {
	v, se := 1.5, 0.25
	orig := Row{GeoValue: "ny", Value: &v, Stderr: &se,
		Extra: map[string]json.RawMessage{"note": json.RawMessage(`"x"`)}}

	c := orig.Clone()
	*c.Value = 9
	*c.Stderr = 9
	c.Extra["note"][1] = 'y'
	c.Extra["other"] = json.RawMessage(`1`)

	assert.Equal(t, 1.5, *orig.Value)
	assert.Equal(t, 0.25, *orig.Stderr)
	assert.Equal(t, `"x"`, string(orig.Extra["note"]))
	assert.Len(t, orig.Extra, 1)
	assert.Nil(t, c.SampleSize)

	assert.Nil(t, CloneRows(nil))
	assert.Equal(t, []Row{orig}, CloneRows([]Row{orig}))
}

func TestRowField(t *testing.T) {
	v := 3.25
	row := Row{Signal: "s", GeoValue: "ny", TimeValue: 20220402, Value: &v, Issue: 20220410, Lag: 8}

	assert.Equal(t, "ny", row.Field("geo_value"))
	assert.Equal(t, "20220402", row.Field("time_value"))
	assert.Equal(t, "3.25", row.Field("value"))
	assert.Equal(t, "", row.Field("stderr"))
	assert.Equal(t, "20220410", row.Field("issue"))
	assert.Equal(t, "8", row.Field("lag"))
	assert.Equal(t, "", row.Field("unknown"))
}

func TestDate(t *testing.T) {
	d, err := ParseDate("2022-05-10")
	require.NoError(t, err)
	assert.Equal(t, Date(20220510), d)

	d, err = ParseDate("20220510")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 5, 10, 0, 0, 0, 0, time.UTC), d.Time())
	assert.Equal(t, d, DateOf(d.Time()))

	_, err = ParseDate("20221340")
	assert.Error(t, err)
}

func TestErrorTaxonomy(t *testing.T) {
	transient := &TransientError{Status: 503, Err: errors.New("unavailable")}
	backend := &BackendError{Status: 503, Message: "retries exhausted", Err: transient}

	var te *TransientError
	assert.True(t, errors.As(backend, &te))
	assert.Equal(t, 503, te.Status)
	assert.Contains(t, backend.Error(), "retries exhausted")

	cancelled := Cancelled(context.Canceled)
	assert.True(t, errors.Is(cancelled, ErrCancelled))
	assert.True(t, errors.Is(cancelled, context.Canceled))
	assert.True(t, errors.Is(Cancelled(nil), ErrCancelled))

	assert.Contains(t, (&InvalidRangeError{Start: "5", End: "1"}).Error(), "start 5 is after end 1")
}
