package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/download"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/progress"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/ratelimit"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/token"
)

func newTestServer(t *testing.T, threshold int64) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	st := store.NewMemory(nil)
	src := datasource.NewStatic(map[string][]map[string]any{
		"line_items": {
			{"declaration_number": "24/0000001-1", "item_number": 1, "ncm_code": "84713012", "description": "Notebook", "quantity": 10, "unit": "UN", "customs_value": 5400.0, "registered_at": "2024-01-15"},
			{"declaration_number": "24/0000001-1", "item_number": 2, "ncm_code": "85176241", "description": "Router", "quantity": 4, "unit": "UN", "customs_value": 880.0, "registered_at": "2024-01-15"},
		},
	})
	pub := progress.NewBroadcaster(progress.NewLocalBus(), dir, nil)
	pipe := export.NewPipeline(st, src, render.Default(), pub, dir, time.Minute, nil)
	codec := token.NewCodec("api-secret")
	coord := export.NewCoordinator(st, src, pipe, pub, codec, export.Options{
		SyncThreshold: threshold,
		Lease:         time.Minute,
		TokenTTL:      time.Hour,
	}, nil)
	gw := download.NewGateway(codec, ratelimit.NewWindow(st, 50, time.Hour), dir, download.ContentTypes([]string{"json", "pdf", "xlsx", "csv"}), nil)
	srv := httptest.NewServer(New(coord, gw, progress.NewHub(nil), nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestSubmitAndDownloadInline(t *testing.T) {
	srv := newTestServer(t, 100)

	resp, err := http.Post(srv.URL+"/exports", "application/json", strings.NewReader(`{"type":"line_items","format":"json","filters":{"ncm_code":"84713012"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	require.Equal(t, models.StatusCompleted, body["status"])

	dl, ok := body["download"].(map[string]any)
	require.True(t, ok)
	link, err := url.Parse(dl["url"].(string))
	require.NoError(t, err)

	file, err := http.Get(srv.URL + link.RequestURI())
	require.NoError(t, err)
	defer file.Body.Close()
	require.Equal(t, http.StatusOK, file.StatusCode)
	assert.Equal(t, "application/json", file.Header.Get("Content-Type"))

	status, err := http.Get(srv.URL + "/exports/" + body["export_id"].(string))
	require.NoError(t, err)
	got := decode(t, status)
	assert.Equal(t, float64(1), got["download_count"])
}

func TestSubmitQueuedThenCancel(t *testing.T) {
	srv := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/exports", strings.NewReader(`{"type":"line_items","format":"xlsx"}`))
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", "batch-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode(t, resp)
	require.Equal(t, models.StatusQueued, body["status"])
	id := body["export_id"].(string)

	prog, err := http.Get(srv.URL + "/exports/" + id + "/progress")
	require.NoError(t, err)
	assert.Equal(t, float64(0), decode(t, prog)["progress"])

	cancel, err := http.Post(srv.URL+"/exports/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, cancel.StatusCode)
	assert.Equal(t, models.StatusCancelled, decode(t, cancel)["status"])

	again, err := http.Post(srv.URL+"/exports/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, again.StatusCode)
	assert.Equal(t, "CONFLICT", decode(t, again)["code"])
}

func TestSubmitRejectsInvalidBodies(t *testing.T) {
	srv := newTestServer(t, 100)

	for _, raw := range []string{
		`not json`,
		`{"type":"line_items"}`,
		`{"type":"line_items","format":"docx"}`,
		`{"type":"line_items","format":"json","extra":true}`,
		`{"type":"line_items","format":"json","filters":{"ncm_code":7}}`,
	} {
		resp, err := http.Post(srv.URL+"/exports", "application/json", strings.NewReader(raw))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, raw)
		assert.Equal(t, "INVALID_REQUEST", decode(t, resp)["code"], raw)
	}
}

func TestUnknownExportAndBareDownload(t *testing.T) {
	srv := newTestServer(t, 100)

	resp, err := http.Get(srv.URL + "/exports/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/download/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/download/line_items_x.json")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDownloadLimitIgnoresForwardedFor(t *testing.T) {
	srv := newTestServer(t, 100)

	resp, err := http.Post(srv.URL+"/exports", "application/json", strings.NewReader(`{"type":"line_items","format":"json"}`))
	require.NoError(t, err)
	body := decode(t, resp)
	link, err := url.Parse(body["download"].(map[string]any)["url"].(string))
	require.NoError(t, err)

	for i := 1; i <= 51; i++ {
		req, err := http.NewRequest(http.MethodGet, srv.URL+link.RequestURI(), nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		got, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, got.Body)
		got.Body.Close()
		if i <= 50 {
			require.Equal(t, http.StatusOK, got.StatusCode, "download %d", i)
		} else {
			require.Equal(t, http.StatusTooManyRequests, got.StatusCode, "download %d", i)
		}
	}
}
