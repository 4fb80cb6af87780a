package render

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// XLSX streams rows into a single worksheet so large exports stay flat in memory.
type XLSX struct{}

func (XLSX) Extension() string { return "xlsx" }
func (XLSX) ContentType() string {
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (XLSX) Templates() []string { return []string{""} }

func (XLSX) Render(ctx context.Context, ds models.Dataset, _ string, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(ds.Kind)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	cells := make([]any, len(ds.Columns))
	for i, col := range ds.Columns {
		cells[i] = excelize.Cell{StyleID: header, Value: col}
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range ds.Rows {
		if i%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := make([]any, len(ds.Columns))
		copy(values, row)
		if err := sw.SetRow(cell, values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx export: %w", err)
	}
	return nil
}

func sheetName(kind string) string {
	if kind == "" {
		return "Export"
	}
	if len(kind) > 31 {
		return kind[:31]
	}
	return kind
}
