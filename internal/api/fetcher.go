package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

const maxJitter = 100 * time.Millisecond

// Config tunes retries, pagination and per-call limits.
type Config struct {
	MaxRetries       int           // retries after the first attempt
	RetryBackoffBase time.Duration // delay before the first retry, doubled each time
	MaxPages         int           // pagination ceiling per fetch
	Timeout          time.Duration // per backend call
	RateLimit        float64       // backend calls per second, 0 for unlimited
	RateBurst        int
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBackoffBase: 500 * time.Millisecond,
		MaxPages:         100,
		Timeout:          30 * time.Second,
	}
}

// Fetcher runs a query.Spec to completion: every page, with retries.
type Fetcher struct {
	transport Transport
	cfg       Config
	limiter   *rate.Limiter
	logger    *logrus.Logger
	metrics   *metrics.Collector
}

func NewFetcher(transport Transport, cfg Config, logger *logrus.Logger, m *metrics.Collector) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Fetcher{
		transport: transport,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		metrics:   m,
	}
}

// Fetch returns every row the backend reports for spec, pages concatenated
// in the order received. as_of is passed through untouched and rows are
// never filtered locally.
func (f *Fetcher) Fetch(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	start := time.Now()
	defer func() { f.metrics.ObserveFetch(time.Since(start)) }()

	log := f.logger.WithFields(logrus.Fields{
		"source":  spec.Source,
		"signals": spec.Signals,
		"geo":     spec.GeoType,
		"as_of":   int(spec.AsOf),
	})

	base := spec.Params()
	var rows []models.Row
	cursor := ""

	for page := 1; ; page++ {
		if page > f.cfg.MaxPages {
			return nil, fmt.Errorf("%w: more than %d pages", models.ErrPaginationLimitExceeded, f.cfg.MaxPages)
		}
		// Page boundary: a cancelled caller gets no partial result.
		if err := ctx.Err(); err != nil {
			return nil, models.Cancelled(err)
		}

		params := base
		if cursor != "" {
			params = cloneValues(base)
			params.Set("cursor", cursor)
		}

		resp, err := f.call(ctx, log, params)
		if err != nil {
			return nil, err
		}
		f.metrics.PageFetched()

		if resp.Status != models.StatusSuccess {
			msg := resp.Message
			if msg == "" {
				msg = fmt.Sprintf("status %q", resp.Status)
			}
			return nil, &models.BackendError{Message: msg}
		}

		rows = append(rows, resp.Rows...)
		log.WithFields(logrus.Fields{
			"page": page,
			"rows": len(resp.Rows),
		}).Debug("Fetched page")

		if resp.Cursor == "" {
			return rows, nil
		}
		cursor = resp.Cursor
	}
}

// call issues one backend call, retrying transient failures.
func (f *Fetcher) call(ctx context.Context, log *logrus.Entry, params url.Values) (*models.Page, error) {
	attempts := f.cfg.MaxRetries + 1
	var lastErr *models.TransientError

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, models.Cancelled(err)
		}

		callCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		page, err := f.transport.Call(callCtx, params)
		cancel()

		if err == nil {
			f.metrics.BackendRequest(metrics.OutcomeSuccess)
			return page, nil
		}
		if ctx.Err() != nil {
			f.metrics.BackendRequest(metrics.OutcomeCancelled)
			return nil, models.Cancelled(ctx.Err())
		}

		var transient *models.TransientError
		if !errors.As(err, &transient) {
			f.metrics.BackendRequest(metrics.OutcomeRejected)
			var backendErr *models.BackendError
			if errors.As(err, &backendErr) {
				return nil, err
			}
			return nil, &models.BackendError{Message: err.Error(), Err: err}
		}

		f.metrics.BackendRequest(metrics.OutcomeTransient)
		lastErr = transient
		if attempt == attempts {
			break
		}

		delay := f.backoffDelay(attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
			"error":   err,
		}).Warn("Retrying backend request")

		select {
		case <-ctx.Done():
			return nil, models.Cancelled(ctx.Err())
		case <-time.After(delay):
		}
	}

	return nil, &models.BackendError{
		Status:  lastErr.Status,
		Message: fmt.Sprintf("request failed after %d attempts: %v", attempts, lastErr.Err),
		Err:     lastErr,
	}
}

// backoffDelay is base * 2^(attempt-1) plus jitter.
func (f *Fetcher) backoffDelay(attempt int) time.Duration {
	base := f.cfg.RetryBackoffBase
	if base <= 0 {
		return 0
	}
	delay := base * time.Duration(1<<(attempt-1))
	jitter := min(maxJitter, base)
	return delay + time.Duration(rand.Int63n(int64(jitter)))
}
