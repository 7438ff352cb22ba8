// Package epidata is the public entry point: a Context plans a logical
// request, answers each backend call from the cache or the Fetcher, and
// returns the merged result as a Table.
package epidata

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/api"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/cache"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/planner"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

const DefaultMaxConcurrency = 4

// Params describes one logical query.
type Params = planner.Request

type Options struct {
	UseCache    bool
	CacheMaxAge time.Duration
	MaxEntries  int
	// Persister backs the in-memory cache. The Context closes it.
	Persister cache.Persister

	BaseURL string
	APIKey  string
	// Transport overrides the HTTP transport built from BaseURL and APIKey.
	Transport api.Transport

	Fetch          api.Config
	Planner        planner.Config
	MaxConcurrency int

	Clock   func() time.Time
	Logger  *logrus.Logger
	Metrics *metrics.Collector
}

// DefaultOptions enables an in-memory cache with a one day max age.
func DefaultOptions() Options {
	return Options{
		UseCache:       true,
		CacheMaxAge:    cache.DefaultMaxAge,
		MaxEntries:     cache.DefaultMaxEntries,
		BaseURL:        api.DefaultBaseURL,
		Fetch:          api.DefaultConfig(),
		Planner:        planner.DefaultConfig(),
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Context owns a cache store and a fetcher. It is safe for concurrent use;
// each Context is independent of any other in the process.
type Context struct {
	store          *cache.Store
	fetcher        *api.Fetcher
	planner        *planner.Planner
	flights        singleflight.Group
	maxConcurrency int
	logger         *logrus.Logger
	metrics        *metrics.Collector
}

func New(opts Options) (*Context, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	store, err := cache.New(cache.Options{
		Enabled:    opts.UseCache,
		MaxAge:     opts.CacheMaxAge,
		MaxEntries: opts.MaxEntries,
		Persister:  opts.Persister,
		Clock:      opts.Clock,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil {
		transport = api.NewHTTPTransport(opts.BaseURL, opts.APIKey, nil)
	}

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	return &Context{
		store:          store,
		fetcher:        api.NewFetcher(transport, opts.Fetch, logger, opts.Metrics),
		planner:        planner.New(opts.Planner),
		maxConcurrency: limit,
		logger:         logger,
		metrics:        opts.Metrics,
	}, nil
}

// Close releases the cache store and its persister.
func (c *Context) Close() error {
	return c.store.Close()
}

// Query resolves every backend call of p and merges the results. Either all
// calls succeed or the first failure is returned; a partial table is never
// produced.
func (c *Context) Query(ctx context.Context, p Params) (*Table, error) {
	specs, err := c.planner.Plan(p)
	if err != nil {
		return nil, err
	}

	log := c.logger.WithFields(logrus.Fields{
		"request_id": uuid.NewString(),
		"specs":      len(specs),
	})
	start := time.Now()

	results := make([][]models.Row, len(specs))
	sources := make([]Resolution, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			rows, res, err := c.resolve(gctx, log, spec)
			if err != nil {
				return err
			}
			results[i], sources[i] = rows, res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("Query failed")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Cancelled(err)
	}

	log.WithField("duration", time.Since(start)).Debug("Query resolved")
	return newTable(specs, results, sources), nil
}

// resolve answers one spec: a fresh cache entry, or the single in-flight
// fetch for its fingerprint.
func (c *Context) resolve(ctx context.Context, log *logrus.Entry, spec query.Spec) ([]models.Row, Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, Miss, models.Cancelled(err)
	}

	fp := spec.Fingerprint()
	if e, ok := c.store.Lookup(fp); ok {
		c.metrics.CacheHit()
		log.WithField("fingerprint", fp).Debug("Cache hit")
		return e.Rows, Hit, nil
	}
	c.metrics.CacheMiss()

	for {
		led := false
		ch := c.flights.DoChan(string(fp), func() (interface{}, error) {
			led = true
			// A flight that finished just before this one may have filled it.
			if e, ok := c.store.Lookup(fp); ok {
				return e.Rows, nil
			}
			rows, err := c.fetcher.Fetch(ctx, spec)
			if err != nil {
				return nil, err
			}
			if c.store.Enabled() {
				rows = c.store.Put(fp, rows).Rows
			}
			return rows, nil
		})

		select {
		case <-ctx.Done():
			return nil, Miss, models.Cancelled(ctx.Err())
		case res := <-ch:
			if !led {
				c.metrics.CoalescedFetch()
			}
			if res.Err != nil {
				// The flight we joined died with its leader's context.
				if !led && errors.Is(res.Err, models.ErrCancelled) && ctx.Err() == nil {
					log.WithField("fingerprint", fp).Debug("Joined fetch was cancelled, retrying")
					continue
				}
				return nil, Miss, res.Err
			}
			// Every caller of the flight gets its own rows.
			return models.CloneRows(res.Val.([]models.Row)), Miss, nil
		}
	}
}

// Invalidate drops the cached entries for every backend call of p.
func (c *Context) Invalidate(p Params) error {
	specs, err := c.planner.Plan(p)
	if err != nil {
		return err
	}
	for _, s := range specs {
		c.store.Remove(s.Fingerprint())
	}
	return nil
}
