package render

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Renderer writes a dataset in one output format.
type Renderer interface {
	Render(ctx context.Context, ds models.Dataset, template string, w io.Writer) error
	Extension() string
	ContentType() string
	// Templates lists accepted layout names. "" is the default layout.
	Templates() []string
}

// Registry binds output formats to renderers.
type Registry struct {
	renderers map[string]Renderer
}

func NewRegistry() *Registry {
	return &Registry{renderers: make(map[string]Renderer)}
}

// Default registers every format the export API accepts.
func Default() *Registry {
	r := NewRegistry()
	r.Register(models.FormatJSON, JSON{})
	r.Register(models.FormatPDF, PDF{})
	r.Register(models.FormatXLSX, XLSX{})
	return r
}

// Register binds a renderer to a format.
func (r *Registry) Register(format string, renderer Renderer) {
	if format == "" || renderer == nil {
		return
	}
	r.renderers[format] = renderer
}

func (r *Registry) Get(format string) (Renderer, error) {
	rd, ok := r.renderers[format]
	if !ok {
		return nil, fmt.Errorf("no renderer registered for format %q", format)
	}
	return rd, nil
}

// HasTemplate reports whether format is registered and accepts template.
func (r *Registry) HasTemplate(format, template string) bool {
	rd, ok := r.renderers[format]
	if !ok {
		return false
	}
	for _, name := range rd.Templates() {
		if name == template {
			return true
		}
	}
	return false
}

// Formats lists registered formats in name order.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.renderers))
	for f := range r.renderers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		return x.Format("2006-01-02")
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func filterSummary(filters map[string]any) string {
	if len(filters) == 0 {
		return "No filters"
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ", "
		}
		s += k + "=" + cellText(filters[k])
	}
	return s
}
