package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/api"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

func TestHTTPTransportClassifiesResponses(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantBackend   bool
		wantMessage   string
	}{
		{name: "success", status: 200, body: `{"status":"success","rows":[{"geo_value":"us","time_value":20220401}]}`},
		{name: "server error", status: 503, body: `{"message":"maintenance"}`, wantTransient: true},
		{name: "rate limited", status: 429, body: ``, wantTransient: true},
		{name: "bad request", status: 400, body: `{"message":"unknown geo_type"}`, wantBackend: true, wantMessage: "unknown geo_type"},
		{name: "not found plain text", status: 404, body: `no such endpoint`, wantBackend: true, wantMessage: "no such endpoint"},
		{name: "malformed json", status: 200, body: `{"rows": [`, wantBackend: true, wantMessage: "malformed response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := api.NewHTTPTransport(srv.URL, "", nil).Call(context.Background(), url.Values{})

			var transientErr *models.TransientError
			var backendErr *models.BackendError
			switch {
			case tt.wantTransient:
				require.True(t, errors.As(err, &transientErr), "got %v", err)
				assert.Equal(t, tt.status, transientErr.Status)
			case tt.wantBackend:
				require.True(t, errors.As(err, &backendErr), "got %v", err)
				assert.Equal(t, tt.status, backendErr.Status)
				assert.Contains(t, backendErr.Error(), tt.wantMessage)
			default:
				require.NoError(t, err)
				require.Len(t, p.Rows, 1)
				assert.Equal(t, "us", p.Rows[0].GeoValue)
			}
		})
	}
}

func TestHTTPTransportNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := api.NewHTTPTransport(addr, "", nil).Call(context.Background(), url.Values{})
	var transientErr *models.TransientError
	assert.True(t, errors.As(err, &transientErr))
}

func TestHTTPTransportSendsParams(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		_ = json.NewEncoder(w).Encode(models.Page{Status: models.StatusSuccess})
	}))
	defer srv.Close()

	params := testSpec().Params()
	_, err := api.NewHTTPTransport(srv.URL, "secret", nil).Call(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "hhs", got.Get("source"))
	assert.Equal(t, "20220401-20220430", got.Get("time_values"))
	assert.Equal(t, "*", got.Get("geo_values"))
	assert.Equal(t, "secret", got.Get("api_key"))
	assert.False(t, params.Has("api_key"), "caller params are not modified")
}

// End to end over HTTP: a flaky backend paginating with cursors.
func TestFetcherOverHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var p models.Page
		switch r.URL.Query().Get("cursor") {
		case "":
			p = *page("C1", "ny")
		case "C1":
			p = *page("", "ca")
		}
		_ = json.NewEncoder(w).Encode(p)
	}))
	defer srv.Close()

	f := api.NewFetcher(api.NewHTTPTransport(srv.URL, "", nil), testConfig(), testLogger(), nil)
	rows, err := f.Fetch(context.Background(), testSpec())

	require.NoError(t, err)
	assert.Equal(t, []string{"ny", "ca"}, geoValues(rows))
	assert.Equal(t, int32(3), calls.Load())
}
