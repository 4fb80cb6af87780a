package datasource

import (
	"fmt"
	"sort"
	"time"
)

// Kind describes one exportable report: where its rows live and which
// filters a request may apply to it.
type Kind struct {
	Name       string
	Title      string
	Table      string
	Columns    []string
	DateColumn string
	// Filterable maps request filter keys to equality columns.
	Filterable map[string]string
}

// Date range filters apply to every kind's DateColumn; date_to is inclusive.
const (
	FilterDateFrom = "date_from"
	FilterDateTo   = "date_to"
	dateLayout     = "2006-01-02"
)

var kinds = map[string]Kind{
	"declarations": {
		Name:       "declarations",
		Title:      "Import declarations",
		Table:      "declarations",
		Columns:    []string{"declaration_number", "registered_at", "importer_name", "importer_tax_id", "customs_unit", "total_customs_value", "currency"},
		DateColumn: "registered_at",
		Filterable: map[string]string{
			"declaration_number": "declaration_number",
			"importer_tax_id":    "importer_tax_id",
			"customs_unit":       "customs_unit",
		},
	},
	"line_items": {
		Name:       "line_items",
		Title:      "Declaration line items",
		Table:      "line_items",
		Columns:    []string{"declaration_number", "item_number", "ncm_code", "description", "quantity", "unit", "customs_value"},
		DateColumn: "registered_at",
		Filterable: map[string]string{
			"declaration_number": "declaration_number",
			"ncm_code":           "ncm_code",
		},
	},
	"taxes": {
		Name:       "taxes",
		Title:      "Taxes per declaration",
		Table:      "taxes",
		Columns:    []string{"declaration_number", "item_number", "tax_kind", "base_amount", "rate", "amount"},
		DateColumn: "registered_at",
		Filterable: map[string]string{
			"declaration_number": "declaration_number",
			"tax_kind":           "tax_kind",
		},
	},
	"expenses": {
		Name:       "expenses",
		Title:      "Import expenses",
		Table:      "expenses",
		Columns:    []string{"declaration_number", "category", "description", "amount", "registered_at"},
		DateColumn: "registered_at",
		Filterable: map[string]string{
			"declaration_number": "declaration_number",
			"category":           "category",
		},
	},
}

// Lookup returns the kind registered under name.
func Lookup(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Kinds lists the known report kinds in name order.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for name := range kinds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateFilters rejects filter keys the kind does not know and malformed dates.
func (k Kind) ValidateFilters(filters map[string]any) error {
	for key, v := range filters {
		switch key {
		case FilterDateFrom, FilterDateTo:
			if _, err := parseDate(v); err != nil {
				return fmt.Errorf("filter %s: %w", key, err)
			}
			continue
		}
		if _, ok := k.Filterable[key]; !ok {
			return fmt.Errorf("filter %q is not supported for %s", key, k.Name)
		}
		if _, ok := v.(string); !ok {
			return fmt.Errorf("filter %s: expected a string", key)
		}
	}
	if from, ok := filters[FilterDateFrom]; ok {
		if to, ok := filters[FilterDateTo]; ok {
			f, _ := parseDate(from)
			t, _ := parseDate(to)
			if t.Before(f) {
				return fmt.Errorf("date_to is before date_from")
			}
		}
	}
	return nil
}

func parseDate(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected a YYYY-MM-DD string")
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected a YYYY-MM-DD string")
	}
	return t, nil
}
