package render

import (
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/pkg/consts"
	"github.com/johnfercher/maroto/pkg/pdf"
	"github.com/johnfercher/maroto/pkg/props"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// PDF lays the dataset out as a table. Template "landscape" rotates the page.
type PDF struct{}

func (PDF) Extension() string   { return "pdf" }
func (PDF) ContentType() string { return "application/pdf" }
func (PDF) Templates() []string  { return []string{"", "portrait", "landscape"} }

func (PDF) Render(ctx context.Context, ds models.Dataset, template string, w io.Writer) error {
	orientation := consts.Portrait
	if template == "landscape" || len(ds.Columns) > 6 {
		orientation = consts.Landscape
	}
	m := pdf.NewMaroto(orientation, consts.A4)
	m.SetPageMargins(10, 12, 10)

	m.Row(10, func() {
		m.Col(12, func() {
			m.Text(ds.Title, props.Text{Size: 14, Style: consts.Bold, Align: consts.Center})
		})
	})
	m.Row(6, func() {
		m.Col(8, func() {
			m.Text(filterSummary(ds.Filters), props.Text{Size: 8, Align: consts.Left})
		})
		m.Col(4, func() {
			m.Text(fmt.Sprintf("Generated %s - %d records", ds.GeneratedAt.Format("2006-01-02 15:04 MST"), len(ds.Rows)),
				props.Text{Size: 8, Align: consts.Right})
		})
	})

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ds.Rows) == 0 {
		m.Row(8, func() {
			m.Col(12, func() {
				m.Text("No records match the selected filters.", props.Text{Size: 10, Align: consts.Center, Top: 2})
			})
		})
	} else {
		contents := make([][]string, 0, len(ds.Rows))
		for _, row := range ds.Rows {
			line := make([]string, len(ds.Columns))
			for j := range ds.Columns {
				if j < len(row) {
					line[j] = cellText(row[j])
				}
			}
			contents = append(contents, line)
		}
		m.TableList(ds.Columns, contents, props.TableList{
			HeaderProp:  props.TableListContent{Size: 8, Style: consts.Bold},
			ContentProp: props.TableListContent{Size: 7},
			Align:       consts.Left,
			Line:        true,
		})
	}

	buf, err := m.Output()
	if err != nil {
		return fmt.Errorf("failed to generate output: %w", err)
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("write pdf export: %w", err)
	}
	return nil
}
