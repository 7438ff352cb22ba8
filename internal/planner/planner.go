// Package planner turns one logical request into the backend calls needed to
// answer it, and puts their results back together.
package planner

import (
	"fmt"
	"strings"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

// Signal names one signal of one data source.
type Signal struct {
	Source string
	Name   string
}

func (s Signal) String() string { return s.Source + ":" + s.Name }

// ParseSignal parses "source:name".
func ParseSignal(s string) (Signal, error) {
	source, name, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || source == "" || name == "" {
		return Signal{}, fmt.Errorf("%w: signal %q is not source:name", models.ErrInvalidQuery, s)
	}
	return Signal{Source: source, Name: name}, nil
}

// Signals is shorthand for several signals of the same source.
func Signals(source string, names ...string) []Signal {
	out := make([]Signal, len(names))
	for i, n := range names {
		out[i] = Signal{Source: source, Name: n}
	}
	return out
}

// Request is a logical query. It may span several sources and signals and
// hold explicit lists of any length.
type Request struct {
	Signals    []Signal
	GeoType    string
	GeoValues  query.Range[query.GeoCode]
	TimeType   string
	TimeValues query.Range[query.TimeValue]
	AsOf       models.Date
	Issues     query.Range[models.Date]
}

type Config struct {
	// MaxValuesPerCall caps explicit geo and time lists in a single call.
	MaxValuesPerCall int
	// MultiSignal batches all signals of a source into one call.
	MultiSignal bool
}

func DefaultConfig() Config {
	return Config{MaxValuesPerCall: 100, MultiSignal: true}
}

type Planner struct {
	cfg Config
}

func New(cfg Config) *Planner {
	if cfg.MaxValuesPerCall <= 0 {
		cfg.MaxValuesPerCall = DefaultConfig().MaxValuesPerCall
	}
	return &Planner{cfg: cfg}
}

// Plan returns the specs to execute, in the order their results must be
// concatenated: by source (first appearance), then signal batch, then geo
// chunk, then time chunk.
func (p *Planner) Plan(req Request) ([]query.Spec, error) {
	groups, err := groupBySource(req.Signals)
	if err != nil {
		return nil, err
	}

	geoChunks := req.GeoValues.Chunk(p.cfg.MaxValuesPerCall)
	timeChunks := req.TimeValues.Chunk(p.cfg.MaxValuesPerCall)

	var specs []query.Spec
	for _, g := range groups {
		batches := [][]string{g.names}
		if !p.cfg.MultiSignal {
			batches = make([][]string, len(g.names))
			for i, n := range g.names {
				batches[i] = []string{n}
			}
		}

		for _, signals := range batches {
			for _, geo := range geoChunks {
				for _, tv := range timeChunks {
					spec := query.Spec{
						Source:     g.source,
						Signals:    signals,
						GeoType:    req.GeoType,
						GeoValues:  geo,
						TimeType:   req.TimeType,
						TimeValues: tv,
						AsOf:       req.AsOf,
						Issues:     req.Issues,
					}
					if err := spec.Validate(); err != nil {
						return nil, err
					}
					specs = append(specs, spec)
				}
			}
		}
	}
	return specs, nil
}

type sourceGroup struct {
	source string
	names  []string
}

func groupBySource(signals []Signal) ([]sourceGroup, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("%w: no signals requested", models.ErrInvalidQuery)
	}

	var groups []sourceGroup
	index := make(map[string]int)
	seen := make(map[Signal]bool)

	for _, s := range signals {
		if s.Source == "" || s.Name == "" {
			return nil, fmt.Errorf("%w: incomplete signal %q", models.ErrInvalidQuery, s.String())
		}
		if seen[s] {
			continue
		}
		seen[s] = true

		i, ok := index[s.Source]
		if !ok {
			i = len(groups)
			index[s.Source] = i
			groups = append(groups, sourceGroup{source: s.Source})
		}
		groups[i].names = append(groups[i].names, s.Name)
	}
	return groups, nil
}

// Merge concatenates per-spec results in emission order. Rows inside each
// result keep the backend's order.
func Merge(results [][]models.Row) []models.Row {
	n := 0
	for _, r := range results {
		n += len(r)
	}
	out := make([]models.Row, 0, n)
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}
