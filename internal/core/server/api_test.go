package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/perfcore/internal/cache/keys"
	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/health"
	"github.com/mohammed-shakir/perfcore/internal/hotness/expdecay"
	mylog "github.com/mohammed-shakir/perfcore/internal/logger"
	"github.com/mohammed-shakir/perfcore/internal/monitor"
	"github.com/mohammed-shakir/perfcore/internal/prediction"
	"github.com/mohammed-shakir/perfcore/internal/predictive"
	"github.com/mohammed-shakir/perfcore/internal/usage"
	"github.com/mohammed-shakir/perfcore/internal/warming"
)

var highProfile = capability.Profile{CPUCores: 16, MemoryTotal: 32 << 30, DiskMBps: 900, Class: capability.ClassHigh}

func newMonitor(t *testing.T) *monitor.Monitor {
	t.Helper()
	m := monitor.New(monitor.Config{}, monitor.Deps{Profile: &highProfile})
	m.Init(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func newPredictive(t *testing.T) *predictive.Manager {
	t.Helper()
	an := usage.New(usage.DefaultConfig(), nil)
	hot := expdecay.New(time.Minute)
	models := prediction.New(prediction.Config{}, prediction.Options{Source: an, Hotness: hot})
	fill := warming.FillerFunc(func(context.Context, string, keys.Category) (warming.FillResult, error) {
		return warming.FillResult{Bytes: 1}, nil
	})
	eng := warming.New(warming.Config{}, fill, nil, nil)
	p, err := predictive.New(predictive.DefaultConfig(), predictive.Deps{Analyzer: an, Models: models, Warming: eng, Hotness: hot})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

type harness struct {
	t   *testing.T
	h   http.Handler
	mon *monitor.Monitor
}

func newHarness(t *testing.T, d Deps) *harness {
	t.Helper()
	if d.Monitor == nil {
		d.Monitor = newMonitor(t)
	}
	return &harness{t: t, h: NewRouter(mylog.NewSlog(nil), d), mon: d.Monitor}
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, req)
	return rr
}

func TestProbes(t *testing.T) {
	ready := false
	h := newHarness(t, Deps{
		Ready: map[string]health.ReadinessReporter{
			"ingest": health.ReadinessFunc(func() (bool, []int32) { return ready, nil }),
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz", "").Code)
	ready = true
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	rr := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "# metrics", rr.Body.String())
}

func TestRecordMetric_Validation(t *testing.T) {
	h := newHarness(t, Deps{})

	cases := map[string]string{
		"empty":        "",
		"not json":     "{",
		"no category":  `{"name":"query_duration","value":1}`,
		"no name":      `{"category":"database","value":1}`,
		"blank fields": `{"category":" ","name":"x","value":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := h.do(http.MethodPost, "/v1/metrics", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	h := newHarness(t, Deps{})

	rr := h.do(http.MethodPost, "/v1/metrics", `{"category":"database","name":"query_duration","value":40,"unit":"ms"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"alert":null}`, rr.Body.String())

	rr = h.do(http.MethodPost, "/v1/metrics", `{"category":"database","name":"query_duration","value":450,"unit":"ms"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var created struct {
		Alert *struct {
			ID string `json:"id"`
		} `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotNil(t, created.Alert)
	id := created.Alert.ID
	require.NotEmpty(t, id)

	rr = h.do(http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var active []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, id, active[0].ID)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/alerts?min_severity=urgent", "").Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/alerts/"+id, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/alerts/nope", "").Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/v1/alerts/"+id+"/ack", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/alerts/nope/ack", "").Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/alerts/"+id+"/feedback", `{}`).Code)
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/v1/alerts/"+id+"/feedback", `{"false_positive":true}`).Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/v1/alerts/"+id+"/resolve", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/alerts/"+id+"/resolve", "").Code)
	assert.Empty(t, h.mon.Alerts().ActiveAlerts())

	fb := h.mon.Alerts().DrainFeedback()
	assert.Equal(t, 1, fb["database:query_duration"].FalsePositives)
}

func TestAlertAdminRoutes(t *testing.T) {
	h := newHarness(t, Deps{})

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/alerts/missed", `{"category":"database"}`).Code)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/v1/alerts/missed", `{"category":"database","metric":"query_duration"}`).Code)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, "/v1/alerts/maintenance", `{"enabled":true}`).Code)
	rr := h.do(http.MethodGet, "/v1/alerts/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		Maintenance bool `json:"maintenance"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Maintenance)

	rr = h.do(http.MethodPost, "/v1/metrics", `{"category":"database","name":"query_duration","value":450}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"alert":null}`, rr.Body.String(), "maintenance suppresses")
}

func TestThresholdRoutes(t *testing.T) {
	h := newHarness(t, Deps{})

	rr := h.do(http.MethodGet, "/v1/thresholds", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var all []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.NotEmpty(t, all)

	rr = h.do(http.MethodGet, "/v1/thresholds/database:query_duration", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var one struct {
		CurrentValue float64 `json:"current_value"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &one))
	assert.Equal(t, 100.0, one.CurrentValue)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/thresholds/database:nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/thresholds/query_duration", "").Code)

	rr = h.do(http.MethodGet, "/v1/thresholds/report", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"thresholds"`)
}

func TestSystemHealth(t *testing.T) {
	h := newHarness(t, Deps{})
	rr := h.do(http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var a struct {
		Components map[string]json.RawMessage `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &a))
	assert.Contains(t, a.Components, "database")
	assert.Contains(t, a.Components, "memory")
}

func TestCacheRoutes_WithoutPredictive(t *testing.T) {
	h := newHarness(t, Deps{})
	for _, path := range []string{"/v1/cache/access", "/v1/cache/outcome", "/v1/cache/warm", "/v1/cache/config"} {
		assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, path, `{}`).Code, path)
	}
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/v1/cache/status", "").Code)
}

func TestCacheRoutes(t *testing.T) {
	h := newHarness(t, Deps{Predictive: newPredictive(t)})

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/cache/access", `{"session_id":"s1"}`).Code)
	for _, k := range []string{"search:a", "search:b", "search:a", "search:b", "search:a"} {
		rr := h.do(http.MethodPost, "/v1/cache/access", `{"key":"`+k+`","session_id":"s1","query_type":"search"}`)
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	rr := h.do(http.MethodGet, "/v1/cache/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st struct {
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.True(t, st.Enabled)

	rr = h.do(http.MethodPost, "/v1/cache/warm", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"predictions"`)

	rr = h.do(http.MethodPost, "/v1/cache/outcome", `{"key":"never-predicted","accurate":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"matched":false}`, rr.Body.String())

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/cache/config", `{"max_predictions":-1}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/cache/config", `{"max_predictions":5}`).Code)
}
