package render

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

func sampleDataset() models.Dataset {
	return models.Dataset{
		Kind:    "taxes",
		Title:   "Taxes per declaration",
		Columns: []string{"declaration_number", "tax_kind", "amount"},
		Rows: [][]any{
			{"24/0001", "II", 1520.75},
			{"24/0001", "IPI", 310.0},
		},
		Filters:     map[string]any{"declaration_number": "24/0001"},
		GeneratedAt: time.Date(2024, 4, 2, 8, 30, 0, 0, time.UTC),
	}
}

func TestJSONRenderer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, JSON{}.Render(context.Background(), sampleDataset(), "", &buf))

	var doc struct {
		RecordCount int              `json:"record_count"`
		Records     []map[string]any `json:"records"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.RecordCount)
	assert.Equal(t, "IPI", doc.Records[1]["tax_kind"])
	assert.Contains(t, buf.String(), "\n  ")

	buf.Reset()
	require.NoError(t, JSON{}.Render(context.Background(), sampleDataset(), "compact", &buf))
	assert.NotContains(t, buf.String(), "\n  ")
}

func TestPDFRenderer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PDF{}.Render(context.Background(), sampleDataset(), "", &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))

	empty := sampleDataset()
	empty.Rows = nil
	buf.Reset()
	require.NoError(t, PDF{}.Render(context.Background(), empty, "landscape", &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
}

func TestXLSXRenderer(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, XLSX{}.Render(context.Background(), sampleDataset(), "", &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("taxes")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"declaration_number", "tax_kind", "amount"}, rows[0])
	assert.Equal(t, "IPI", rows[2][1])
}

func TestRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"json", "pdf", "xlsx"}, r.Formats())
	rd, err := r.Get("xlsx")
	require.NoError(t, err)
	assert.Equal(t, "xlsx", rd.Extension())
	_, err = r.Get("docx")
	assert.Error(t, err)
}

func TestRegistryTemplates(t *testing.T) {
	r := Default()
	assert.True(t, r.HasTemplate("json", ""))
	assert.True(t, r.HasTemplate("json", "compact"))
	assert.True(t, r.HasTemplate("pdf", "landscape"))
	assert.True(t, r.HasTemplate("xlsx", ""))
	assert.False(t, r.HasTemplate("xlsx", "compact"))
	assert.False(t, r.HasTemplate("pdf", "fancy"))
	assert.False(t, r.HasTemplate("docx", ""))
}
