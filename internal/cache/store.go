// Package cache keeps fetched rows keyed by query fingerprint.
//
// Entries are never swept by age: staleness only changes what Lookup
// answers. Memory is bounded by an LRU that is only touched on Put, so the
// entry evicted first is the one fetched least recently. An optional
// Persister backs the memory layer with a file or a database table.
package cache

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

const (
	DefaultMaxAge     = 24 * time.Hour
	DefaultMaxEntries = 1000

	persistTimeout = 5 * time.Second
)

// Entry is one cached backend result.
type Entry struct {
	Fingerprint query.Fingerprint `json:"fingerprint"`
	Rows        []models.Row      `json:"rows"`
	FetchedAt   time.Time         `json:"fetched_at"`
}

// Persister stores encoded entries outside the process. Load returns
// (nil, nil) for an absent key.
type Persister interface {
	Load(ctx context.Context, fp query.Fingerprint) ([]byte, error)
	Save(ctx context.Context, fp query.Fingerprint, data []byte) error
	Delete(ctx context.Context, fp query.Fingerprint) error
	Close() error
}

type Options struct {
	Enabled    bool
	MaxAge     time.Duration
	MaxEntries int
	Persister  Persister
	Clock      func() time.Time
	Logger     *logrus.Logger
	Metrics    *metrics.Collector
}

type Store struct {
	enabled   bool
	maxAge    time.Duration
	entries   *lru.Cache
	persister Persister
	now       func() time.Time
	logger    *logrus.Logger
	metrics   *metrics.Collector
}

// New builds a store. A disabled store allocates nothing and never touches
// the persister, but still closes it on Close.
func New(opts Options) (*Store, error) {
	s := &Store{
		enabled:   opts.Enabled,
		maxAge:    opts.MaxAge,
		persister: opts.Persister,
		now:       opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if !s.enabled {
		return s, nil
	}

	size := opts.MaxEntries
	if size <= 0 {
		size = DefaultMaxEntries
	}
	entries, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		s.metrics.CacheEviction()
	})
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return s, nil
}

func (s *Store) Enabled() bool         { return s.enabled }
func (s *Store) MaxAge() time.Duration { return s.maxAge }

// Get returns the entry stored for fp regardless of its age. The rows are
// the caller's to modify.
func (s *Store) Get(fp query.Fingerprint) (Entry, bool) {
	if !s.enabled {
		return Entry{}, false
	}
	if v, ok := s.entries.Peek(fp); ok {
		return v.(Entry).clone(), true
	}
	if s.persister == nil {
		return Entry{}, false
	}
	e, ok := s.load(fp)
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

func (e Entry) clone() Entry {
	e.Rows = models.CloneRows(e.Rows)
	return e
}

func (s *Store) load(fp query.Fingerprint) (Entry, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	data, err := s.persister.Load(ctx, fp)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"error":       err,
		}).Warn("Failed to read persisted cache entry")
		return Entry{}, false
	}
	if data == nil {
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil || e.Fingerprint != fp || e.FetchedAt.IsZero() {
		s.metrics.CorruptEntry()
		s.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"error":       err,
		}).Warn("Discarding corrupt cache entry")
		if err := s.persister.Delete(ctx, fp); err != nil {
			s.logger.WithError(err).Warn("Failed to delete corrupt cache entry")
		}
		return Entry{}, false
	}

	s.entries.Add(fp, e)
	return e, true
}

// IsFresh reports whether e is within the max-age window.
func (s *Store) IsFresh(e Entry) bool {
	return s.now().Sub(e.FetchedAt) <= s.maxAge
}

// Lookup returns the entry for fp only if it is fresh.
func (s *Store) Lookup(fp query.Fingerprint) (Entry, bool) {
	e, ok := s.Get(fp)
	if !ok || !s.IsFresh(e) {
		return Entry{}, false
	}
	return e, true
}

// Put replaces the entry for fp with rows fetched now.
func (s *Store) Put(fp query.Fingerprint, rows []models.Row) Entry {
	if !s.enabled {
		return Entry{}
	}
	e := Entry{
		Fingerprint: fp,
		Rows:        models.CloneRows(rows),
		FetchedAt:   s.now().UTC().Round(0),
	}
	s.entries.Add(fp, e)

	if s.persister != nil {
		s.persist(e)
	}
	return e.clone()
}

func (s *Store) persist(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to encode cache entry")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	// Best effort: the in-memory entry already serves reads.
	if err := s.persister.Save(ctx, e.Fingerprint, data); err != nil {
		s.logger.WithFields(logrus.Fields{
			"fingerprint": e.Fingerprint,
			"error":       err,
		}).Warn("Failed to persist cache entry")
	}
}

// Remove drops fp from memory and from the persister.
func (s *Store) Remove(fp query.Fingerprint) {
	if !s.enabled {
		return
	}
	s.entries.Remove(fp)
	if s.persister == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.Delete(ctx, fp); err != nil {
		s.logger.WithError(err).Warn("Failed to delete persisted cache entry")
	}
}

// Len is the number of entries held in memory.
func (s *Store) Len() int {
	if !s.enabled {
		return 0
	}
	return s.entries.Len()
}

func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}
