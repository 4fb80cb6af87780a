package datasource

import (
	"context"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Static serves rows held in memory, keyed by kind then column.
// It applies the same filters as Postgres and backs local runs without a database.
type Static struct {
	rows map[string][]map[string]any
	now  func() time.Time
}

func NewStatic(rows map[string][]map[string]any) *Static {
	return &Static{rows: rows, now: time.Now}
}

func (s *Static) Count(_ context.Context, params models.Parameters) (int64, error) {
	k, err := kindFor(params)
	if err != nil {
		return 0, err
	}
	return int64(len(s.match(k, params.Filters))), nil
}

func (s *Static) Fetch(_ context.Context, params models.Parameters) (models.Dataset, error) {
	k, err := kindFor(params)
	if err != nil {
		return models.Dataset{}, err
	}
	ds := models.Dataset{
		Kind:        k.Name,
		Title:       k.Title,
		Columns:     k.Columns,
		Filters:     params.Filters,
		GeneratedAt: s.now().UTC(),
	}
	for _, r := range s.match(k, params.Filters) {
		row := make([]any, len(k.Columns))
		for i, col := range k.Columns {
			row[i] = r[col]
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func (s *Static) match(k Kind, filters map[string]any) []map[string]any {
	var out []map[string]any
	for _, r := range s.rows[k.Name] {
		if matches(k, r, filters) {
			out = append(out, r)
		}
	}
	return out
}

func matches(k Kind, row map[string]any, filters map[string]any) bool {
	for key, want := range filters {
		switch key {
		case FilterDateFrom, FilterDateTo:
			bound, err := parseDate(want)
			if err != nil {
				continue
			}
			got, err := parseDate(row[k.DateColumn])
			if err != nil {
				return false
			}
			if key == FilterDateFrom && got.Before(bound) {
				return false
			}
			if key == FilterDateTo && got.After(bound) {
				return false
			}
		default:
			col, ok := k.Filterable[key]
			if !ok {
				continue
			}
			if row[col] != want {
				return false
			}
		}
	}
	return true
}
