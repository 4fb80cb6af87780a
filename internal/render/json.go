package render

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// JSON writes a self-describing document; template "compact" drops indentation.
type JSON struct{}

type jsonDocument struct {
	Title       string           `json:"title"`
	Kind        string           `json:"kind"`
	GeneratedAt time.Time        `json:"generated_at"`
	Filters     map[string]any   `json:"filters,omitempty"`
	Columns     []string         `json:"columns"`
	RecordCount int              `json:"record_count"`
	Records     []map[string]any `json:"records"`
}

func (JSON) Extension() string   { return "json" }
func (JSON) ContentType() string { return "application/json" }
func (JSON) Templates() []string  { return []string{"", "compact"} }

func (JSON) Render(ctx context.Context, ds models.Dataset, template string, w io.Writer) error {
	doc := jsonDocument{
		Title:       ds.Title,
		Kind:        ds.Kind,
		GeneratedAt: ds.GeneratedAt,
		Filters:     ds.Filters,
		Columns:     ds.Columns,
		RecordCount: len(ds.Rows),
		Records:     make([]map[string]any, 0, len(ds.Rows)),
	}
	for i, row := range ds.Rows {
		if i%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		rec := make(map[string]any, len(ds.Columns))
		for j, col := range ds.Columns {
			if j < len(row) {
				rec[col] = row[j]
			}
		}
		doc.Records = append(doc.Records, rec)
	}
	enc := json.NewEncoder(w)
	if template != "compact" {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}
