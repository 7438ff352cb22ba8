//go:generate go run github.com/golang/mock/mockgen -destination=./mocks/transport.go -package=mocks . Transport

// Package api executes query specs against the Epidata HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
)

const (
	DefaultBaseURL = "https://api.delphi.cmu.edu/epidata/covidcast/"

	userAgent = "epidata-go/1.0"
)

// Transport performs one backend call. Implementations classify failures as
// *models.TransientError (retryable) or *models.BackendError.
type Transport interface {
	Call(ctx context.Context, params url.Values) (*models.Page, error)
}

// HTTPTransport calls the JSON endpoint at baseURL with GET query parameters.
type HTTPTransport struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTransport builds a transport. A nil client gets a default one;
// per-call timeouts come from the caller's context.
func NewHTTPTransport(baseURL, apiKey string, client *http.Client) *HTTPTransport {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPTransport{baseURL: baseURL, apiKey: apiKey, httpClient: client}
}

func (t *HTTPTransport) Call(ctx context.Context, params url.Values) (*models.Page, error) {
	if t.apiKey != "" {
		params = cloneValues(params)
		params.Set("api_key", t.apiKey)
	}
	sep := "?"
	if strings.Contains(t.baseURL, "?") {
		sep = "&"
	}
	reqURL := t.baseURL + sep + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &models.BackendError{Message: "failed to create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &models.TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("HTTP %d: %s", resp.StatusCode, messageOf(body)),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &models.BackendError{Status: resp.StatusCode, Message: messageOf(body)}
	}

	var page models.Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &models.BackendError{
			Status:  resp.StatusCode,
			Message: "malformed response",
			Err:     err,
		}
	}
	return &page, nil
}

// messageOf extracts the backend's message from an error body.
func messageOf(body []byte) string {
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
