package metricswrap

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/hotness/expdecay"
	"github.com/mohammed-shakir/perfcore/internal/metrics"
)

func Test_HotnessGauge_Updates(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)
	observability.SetInstance("perfcore")

	tr := expdecay.New(30 * time.Second)
	w := New(tr, Options{})

	w.Inc("search:a")
	w.Inc("search:b")
	w.Reset("search:a")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()

	if !strings.Contains(body, `perfcore_hot_keys{instance_role="perfcore",tier="keys"} 1`) {
		t.Fatalf("expected hot_keys gauge == 1, got:\n%s", body)
	}
}

func Test_HotKeyLog_Sampled(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	w := New(expdecay.New(time.Minute), Options{HotThreshold: 1.5, LogSample: 1, Logger: log})

	w.Inc("k")
	if buf.Len() != 0 {
		t.Fatalf("unexpected log below threshold: %s", buf.String())
	}
	w.Inc("k")
	if !strings.Contains(buf.String(), "hotness_threshold") {
		t.Fatalf("expected hot key log, got %q", buf.String())
	}
}

func TestShouldLog_Edges(t *testing.T) {
	if shouldLog(0, "k") {
		t.Fatalf("sample 0 must never log")
	}
	if !shouldLog(1, "k") {
		t.Fatalf("sample 1 must always log")
	}
}
