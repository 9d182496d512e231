// Package server exposes the monitor, alerting and predictive cache over a
// chi HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/perfcore/internal/alerting"
	"github.com/mohammed-shakir/perfcore/internal/core/health"
	"github.com/mohammed-shakir/perfcore/internal/core/middleware"
	"github.com/mohammed-shakir/perfcore/internal/monitor"
	"github.com/mohammed-shakir/perfcore/internal/predictive"
	"github.com/mohammed-shakir/perfcore/internal/threshold"
	"github.com/mohammed-shakir/perfcore/internal/usage"
)

const maxBody = 1 << 20

type Deps struct {
	Monitor *monitor.Monitor
	// Predictive is optional; the cache routes answer 503 without it.
	Predictive *predictive.Manager
	// Metrics serves /metrics. Defaults to the global prometheus handler.
	Metrics http.Handler
	Ready   map[string]health.ReadinessReporter
}

type api struct {
	log  *slog.Logger
	mon  *monitor.Monitor
	pred *predictive.Manager
}

// NewRouter builds the HTTP surface.
func NewRouter(logger *slog.Logger, d Deps) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	a := &api{log: logger, mon: d.Monitor, pred: d.Predictive}

	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready))
	r.Method(http.MethodGet, "/metrics", d.Metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/metrics", a.recordMetric)
		r.Get("/health", a.systemHealth)

		r.Route("/cache", func(r chi.Router) {
			r.Post("/access", a.recordAccess)
			r.Post("/outcome", a.reportOutcome)
			r.Get("/status", a.cacheStatus)
			r.Post("/warm", a.triggerWarming)
			r.Post("/config", a.updateCacheConfig)
		})

		r.Route("/thresholds", func(r chi.Router) {
			r.Get("/", a.listThresholds)
			r.Get("/report", a.thresholdReport)
			r.Get("/{id}", a.getThreshold)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", a.listAlerts)
			r.Get("/status", a.alertStatus)
			r.Post("/missed", a.reportMissed)
			r.Post("/maintenance", a.setMaintenance)
			r.Get("/{id}", a.getAlert)
			r.Post("/{id}/resolve", a.resolveAlert)
			r.Post("/{id}/ack", a.ackAlert)
			r.Post("/{id}/feedback", a.alertFeedback)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

type metricRequest struct {
	Category string            `json:"category"`
	Name     string            `json:"name"`
	Value    float64           `json:"value"`
	Unit     string            `json:"unit"`
	Tags     map[string]string `json:"tags"`
}

func (m metricRequest) validate() error {
	switch {
	case strings.TrimSpace(m.Category) == "":
		return errors.New("category is required")
	case strings.TrimSpace(m.Name) == "":
		return errors.New("name is required")
	case math.IsNaN(m.Value) || math.IsInf(m.Value, 0):
		return errors.New("value must be finite")
	}
	return nil
}

func (a *api) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alert := a.mon.RecordEnhancedMetric(r.Context(), req.Category, req.Name, req.Value, req.Unit, req.Tags)
	writeJSON(w, http.StatusAccepted, map[string]any{"alert": alert})
}

func (a *api) systemHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.GetSystemHealthAssessment(r.Context()))
}

type accessRequest struct {
	Key       string            `json:"key"`
	SessionID string            `json:"session_id"`
	QueryType string            `json:"query_type"`
	UserID    string            `json:"user_id"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

func (a *api) requirePredictive(w http.ResponseWriter) bool {
	if a.pred == nil {
		writeError(w, http.StatusServiceUnavailable, "predictive cache is not configured")
		return false
	}
	return true
}

func (a *api) recordAccess(w http.ResponseWriter, r *http.Request) {
	if !a.requirePredictive(w) {
		return
	}
	var req accessRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	sid := req.SessionID
	if sid == "" {
		sid = r.Header.Get("X-Session-ID")
	}
	a.pred.RecordCacheAccess(req.Key, sid, usage.RequestContext{
		QueryType: req.QueryType,
		UserID:    req.UserID,
		Timestamp: req.Timestamp,
		Metadata:  req.Metadata,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) reportOutcome(w http.ResponseWriter, r *http.Request) {
	if !a.requirePredictive(w) {
		return
	}
	var req struct {
		Key      string `json:"key"`
		Accurate bool   `json:"accurate"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	matched := a.pred.ReportPredictionOutcome(req.Key, req.Accurate)
	writeJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (a *api) cacheStatus(w http.ResponseWriter, _ *http.Request) {
	if !a.requirePredictive(w) {
		return
	}
	writeJSON(w, http.StatusOK, a.pred.Status())
}

func (a *api) triggerWarming(w http.ResponseWriter, r *http.Request) {
	if !a.requirePredictive(w) {
		return
	}
	preds, err := a.pred.TriggerPredictiveWarming(r.Context())
	if err != nil {
		a.log.WarnContext(r.Context(), "manual warming failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": preds})
}

func (a *api) updateCacheConfig(w http.ResponseWriter, r *http.Request) {
	if !a.requirePredictive(w) {
		return
	}
	var u predictive.Update
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.pred.UpdateConfiguration(u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.pred.Status())
}

func (a *api) listThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Thresholds().AllThresholds())
}

func (a *api) thresholdReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Thresholds().Report(r.Context()))
}

// getThreshold takes the "category:metric" id as one path segment.
func (a *api) getThreshold(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if c, m := threshold.SplitID(id); c == "" || m == "" {
		writeError(w, http.StatusBadRequest, "threshold id must be category:metric")
		return
	}
	t, ok := a.mon.Thresholds().Threshold(id)
	if !ok {
		writeError(w, http.StatusNotFound, "threshold not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *api) listAlerts(w http.ResponseWriter, r *http.Request) {
	active := a.mon.Alerts().ActiveAlerts()
	if s := r.URL.Query().Get("min_severity"); s != "" {
		floor, err := alerting.ParseSeverity(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kept := active[:0]
		for _, al := range active {
			if al.Severity >= floor {
				kept = append(kept, al)
			}
		}
		active = kept
	}
	writeJSON(w, http.StatusOK, active)
}

func (a *api) alertStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Alerts().Status())
}

func (a *api) getAlert(w http.ResponseWriter, r *http.Request) {
	al, ok := a.mon.Alerts().Alert(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, alerting.ErrAlertNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *api) resolveAlert(w http.ResponseWriter, r *http.Request) {
	if !a.mon.Alerts().ResolveAlert(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, alerting.ErrAlertNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) ackAlert(w http.ResponseWriter, r *http.Request) {
	a.alertErr(w, a.mon.Alerts().AcknowledgeAlert(chi.URLParam(r, "id")))
}

func (a *api) alertFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FalsePositive *bool `json:"false_positive"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FalsePositive == nil {
		writeError(w, http.StatusBadRequest, "false_positive is required")
		return
	}
	a.alertErr(w, a.mon.Alerts().ReportAlertFeedback(chi.URLParam(r, "id"), *req.FalsePositive))
}

func (a *api) alertErr(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, alerting.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *api) reportMissed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
		Metric   string `json:"metric"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" || req.Metric == "" {
		writeError(w, http.StatusBadRequest, "category and metric are required")
		return
	}
	a.mon.Alerts().ReportMissedIssue(req.Category, req.Metric)
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) setMaintenance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.mon.Alerts().SetMaintenance(req.Enabled)
	a.log.InfoContext(r.Context(), "maintenance mode changed", "enabled", req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}
