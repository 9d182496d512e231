package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)
	observability.SetInstance("perfcore")
	observability.ExposeBuildInfo("test")

	observability.AddCacheHits(3)
	observability.AddCacheMisses(1)
	observability.ObserveCacheOp("mget", nil, 0.002)

	observability.SetHotKeysGauge("keys", 42)
	observability.IncIngestError("decode")
	observability.AddPredictions("sequence", 4)
	observability.SetComponentHealth("database", 2)
	observability.ObserveHTTP("GET", "/v1/health", 200, 0.003)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`redis_operation_duration_seconds_count`,
		`perfcore_cache_hits_total{instance_role="perfcore"} 3`,
		`perfcore_cache_misses_total{instance_role="perfcore"} 1`,
		`perfcore_hot_keys{instance_role="perfcore",tier="keys"} 42`,
		`perfcore_ingest_errors_total{stage="decode"} 1`,
		`perfcore_predictions_total{model="sequence"} 4`,
		`perfcore_component_health{component="database"} 2`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "http_requests_total",
		`route="/v1/health"`, `status="200"`)
	assertHasMetricLine(t, body, "app_build_info",
		`version="test"`)
}
