package epidata

import (
	"encoding/csv"
	"io"
	"slices"
	"sync"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/models"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/planner"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/query"
)

// Resolution records how a backend call was answered.
type Resolution string

const (
	Hit  Resolution = "HIT"
	Miss Resolution = "MISS"
)

// Table is the result of a logical query. Rows are merged on first use.
type Table struct {
	specs   []query.Spec
	results [][]models.Row
	sources []Resolution

	once sync.Once
	rows []models.Row
}

func newTable(specs []query.Spec, results [][]models.Row, sources []Resolution) *Table {
	return &Table{specs: specs, results: results, sources: sources}
}

// Specs returns the backend calls behind the table, in merge order.
func (t *Table) Specs() []query.Spec { return slices.Clone(t.specs) }

// Sources returns the Resolution of each spec, aligned with Specs.
func (t *Table) Sources() []Resolution { return slices.Clone(t.sources) }

func (t *Table) Len() int {
	n := 0
	for _, r := range t.results {
		n += len(r)
	}
	return n
}

// Rows returns a deep copy of the merged rows.
func (t *Table) Rows() []models.Row {
	return models.CloneRows(t.merged())
}

func (t *Table) merged() []models.Row {
	t.once.Do(func() {
		t.rows = planner.Merge(t.results)
	})
	return t.rows
}

// Records projects the rows onto cols, or models.DefaultColumns when none
// are given.
func (t *Table) Records(cols ...string) [][]string {
	if len(cols) == 0 {
		cols = models.DefaultColumns
	}
	rows := t.merged()
	out := make([][]string, len(rows))
	for i, r := range rows {
		rec := make([]string, len(cols))
		for j, c := range cols {
			rec[j] = r.Field(c)
		}
		out[i] = rec
	}
	return out
}

// WriteCSV writes a header line followed by Records(cols...).
func (t *Table) WriteCSV(w io.Writer, cols ...string) error {
	if len(cols) == 0 {
		cols = models.DefaultColumns
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Records(cols...)); err != nil {
		return err
	}
	return cw.Error()
}
