package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/geonl/bgtlabel/internal/observability"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	return rr.Body.String()
}

func TestProviderRegistersStandardCollectorsAndBuildInfo(t *testing.T) {
	p := Init(BuildInfo{Version: "test", Revision: "r", BuildDate: "now"})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "smoke"})
	p.Register(g)
	g.Set(42)

	if n := testutil.CollectAndCount(g); n == 0 {
		t.Fatalf("expected at least 1 sample from test_gauge, got %d", n)
	}

	body := scrape(t, p)
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "process_cpu_seconds_total") && !strings.Contains(body, "process_start_time_seconds") {
		t.Fatalf("expected process_* metrics in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `app_build_info{`) {
		t.Fatalf("expected app_build_info in payload; got:\n%s", body)
	}
}

func TestHandlerGathersPipelineCounters(t *testing.T) {
	p := Init(BuildInfo{Version: "test"})

	observability.ObserveStage("download", "ok", 1.5)
	observability.AddDownloadBytes(4096)
	observability.IncWFSPage()
	observability.IncRasterTile()

	body := scrape(t, p)
	for _, want := range []string{
		`pipeline_regions_processed_total{outcome="ok",stage="download"} `,
		`pipeline_stage_duration_seconds_bucket`,
		`pipeline_download_bytes_total `,
		`pipeline_wfs_pages_total `,
		`pipeline_raster_tiles_total `,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", want, body)
		}
	}
}
