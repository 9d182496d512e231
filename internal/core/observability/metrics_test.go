package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	return string(b)
}

func TestDomainCollectors_LabelsAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	SetInstance("test")

	IncAlert("processed", "high")
	IncAlert("suppressed", "medium")
	IncAlert("suppressed", "medium")
	SetThreshold("database:query_duration", 150, 0.75)
	IncWarming("success", "search")
	ObserveCacheOp("set", errors.New("boom"), 0.001)
	AddCacheHits(2)

	out := scrape(t, reg)
	want := []string{
		`perfcore_alerts_total{outcome="processed",severity="high"} 1`,
		`perfcore_alerts_total{outcome="suppressed",severity="medium"} 2`,
		`perfcore_threshold_value{threshold="database:query_duration"} 150`,
		`perfcore_threshold_confidence{threshold="database:query_duration"} 0.75`,
		`perfcore_warming_ops_total{category="search",outcome="success"} 1`,
		`cache_op_total{op="set",result="error"} 1`,
		`perfcore_cache_hits_total{instance_role="test"} 2`,
	}
	for _, s := range want {
		if !strings.Contains(out, s) {
			t.Fatalf("expected %q in metrics; got:\n%s", s, out)
		}
	}
}

func TestInit_DisabledIsNoop(t *testing.T) {
	Init(nil, false)
	// must not panic with no collectors installed
	ObserveHTTP("GET", "/v1/health", 200, 0.01)
	IncAlert("processed", "low")
	SetWarmingQueueDepth(3)
}

func TestInit_ReRegisterSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)
	Init(reg, true)
	ExposeBuildInfo("")
	out := scrape(t, reg)
	if !strings.Contains(out, `perfcore_build_info{version="dev"} 1`) {
		t.Fatalf("missing build info; got:\n%s", out)
	}
}
