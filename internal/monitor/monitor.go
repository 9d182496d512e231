// Package monitor is the top-level performance monitor. It owns the dynamic
// threshold manager and the alert system, feeds both from recorded metrics
// and grades component health.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/alerting"
	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/schedule"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/threshold"
)

type Config struct {
	Threshold      threshold.Config
	Alerting       alerting.Config
	HealthInterval time.Duration
	CheckTimeout   time.Duration
	SeriesCap      int
	// ResolveRatio auto-resolves alerts once a value drops below this
	// fraction of its threshold.
	ResolveRatio float64
	// MinBaseline is the sample count before a baseline is used as history.
	MinBaseline int
}

func DefaultConfig() Config {
	return Config{
		Threshold:      threshold.DefaultConfig(),
		Alerting:       alerting.DefaultConfig(),
		HealthInterval: time.Minute,
		CheckTimeout:   5 * time.Second,
		SeriesCap:      100,
		ResolveRatio:   0.9,
		MinBaseline:    30,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = d.CheckTimeout
	}
	if c.SeriesCap <= 0 {
		c.SeriesCap = d.SeriesCap
	}
	if c.ResolveRatio <= 0 || c.ResolveRatio > 1 {
		c.ResolveRatio = d.ResolveRatio
	}
	if c.MinBaseline <= 0 {
		c.MinBaseline = d.MinBaseline
	}
	if c.Threshold.MinConfidence <= 0 {
		c.Threshold.MinConfidence = d.Threshold.MinConfidence
	}
}

type Deps struct {
	Logger *slog.Logger
	Load   capability.LoadProvider
	Store  state.Store
	// Profile skips host profiling when set.
	Profile        *capability.Profile
	ProfileOptions capability.Options
	// Checkers are added to the built-in database, search, memory and
	// system checks; one with a built-in name replaces it.
	Checkers []Checker
}

type Point struct {
	Value float64           `json:"value"`
	Unit  string            `json:"unit,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
	At    time.Time         `json:"at"`
}

type series struct {
	points []Point
	next   int
}

func (s *series) add(p Point, limit int) {
	if len(s.points) < limit {
		s.points = append(s.points, p)
		return
	}
	s.points[s.next] = p
	s.next = (s.next + 1) % limit
}

func (s *series) latest() (Point, bool) {
	if len(s.points) == 0 {
		return Point{}, false
	}
	i := len(s.points) - 1
	if s.next > 0 {
		i = s.next - 1
	}
	return s.points[i], true
}

// ordered returns the points oldest first.
func (s *series) ordered() []Point {
	out := make([]Point, 0, len(s.points))
	out = append(out, s.points[s.next:]...)
	return append(out, s.points[:s.next]...)
}

type Monitor struct {
	log      *slog.Logger
	load     capability.LoadProvider
	thr      *threshold.Manager
	alerts   *alerting.System
	checkers []Checker
	cfg      Config
	now      func() time.Time

	mu        sync.RWMutex
	series    map[string]*series
	health    map[string]ComponentHealth
	lastCheck time.Time
	feedback  alerting.Feedback
	tasks     *schedule.Group
}

func New(cfg Config, d Deps) *Monitor {
	cfg.normalize()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Load == nil {
		d.Load = capability.Static{}
	}
	m := &Monitor{
		log:    d.Logger.With("component", "monitor"),
		load:   d.Load,
		cfg:    cfg,
		now:    time.Now,
		series: make(map[string]*series),
		health: make(map[string]ComponentHealth),
	}
	m.thr = threshold.New(cfg.Threshold, threshold.Deps{
		Logger:         d.Logger,
		Load:           d.Load,
		Store:          d.Store,
		Profile:        d.Profile,
		ProfileOptions: d.ProfileOptions,
	})
	m.alerts = alerting.New(cfg.Alerting, alerting.Deps{
		Logger:   d.Logger,
		Load:     d.Load,
		Activity: m,
		History:  m,
	})

	builtin := []Checker{
		m.seriesChecker("database"),
		m.seriesChecker("search"),
		MemoryChecker(d.Load),
		SystemChecker(d.Load),
	}
	byName := map[string]int{}
	for i, c := range builtin {
		byName[c.Name()] = i
	}
	for _, c := range d.Checkers {
		if i, ok := byName[c.Name()]; ok {
			builtin[i] = c
			continue
		}
		byName[c.Name()] = len(builtin)
		builtin = append(builtin, c)
	}
	m.checkers = builtin
	return m
}

func (m *Monitor) Thresholds() *threshold.Manager { return m.thr }

func (m *Monitor) Alerts() *alerting.System { return m.alerts }

// Init profiles the host and restores threshold state.
func (m *Monitor) Init(ctx context.Context) { m.thr.Init(ctx) }

// Start launches threshold optimization, fatigue decay and the periodic
// health check.
func (m *Monitor) Start() {
	m.thr.Start()
	m.alerts.Start()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks != nil {
		return
	}
	m.tasks = schedule.Start(m.log, schedule.Task{
		Name:  "health",
		Every: m.cfg.HealthInterval,
		Run: func(ctx context.Context) {
			m.RunHealthChecks(ctx)
			m.RecordTraining(ctx)
		},
	})
}

// RecordEnhancedMetric feeds one measurement to the baseline, keeps it in the
// metric store and raises or resolves alerts against the current threshold.
// It returns the raised alert, if any.
func (m *Monitor) RecordEnhancedMetric(ctx context.Context, category, name string, value float64, unit string, tags map[string]string) *alerting.SmartAlert {
	if category == "" || name == "" || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	m.thr.UpdateBaseline(ctx, category, name, value)

	id := threshold.ID(category, name)
	m.mu.Lock()
	s := m.series[id]
	if s == nil {
		s = &series{}
		m.series[id] = s
	}
	s.add(Point{Value: value, Unit: unit, Tags: tags, At: m.now()}, m.cfg.SeriesCap)
	m.mu.Unlock()

	limit, ok := m.thr.GetThreshold(id)
	if !ok || limit <= 0 {
		return nil
	}
	if value > limit {
		msg := fmt.Sprintf("%s %s at %.4g%s exceeds threshold %.4g", category, name, value, unit, limit)
		return m.alerts.ProcessAlert(ctx, category, name, value, limit, severityFor(value/limit), msg)
	}
	if value < m.cfg.ResolveRatio*limit {
		if n := m.alerts.AutoResolve(category, name); n > 0 {
			m.log.InfoContext(ctx, "alerts auto-resolved", "kind", id, "count", n, "value", value)
		}
	}
	return nil
}

func severityFor(ratio float64) alerting.Severity {
	switch {
	case ratio > 3:
		return alerting.SeverityCritical
	case ratio > 2:
		return alerting.SeverityHigh
	case ratio > 1.5:
		return alerting.SeverityMedium
	}
	return alerting.SeverityLow
}

// Metrics returns the stored points of one series, oldest first.
func (m *Monitor) Metrics(category, name string) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[threshold.ID(category, name)]
	if !ok {
		return nil
	}
	return s.ordered()
}

// Activity summarizes the last minutes of recorded metrics for alert
// context: query volume per minute, error rate and distinct sessions.
func (m *Monitor) Activity() alerting.Activity {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		queries  int
		tagged   int
		errored  int
		sessions = map[string]struct{}{}
		errRate  = -1.0
	)
	for id, s := range m.series {
		cat, metric := threshold.SplitID(id)
		for _, p := range s.points {
			age := now.Sub(p.At)
			if age > 5*time.Minute {
				continue
			}
			if age <= time.Minute && (cat == "database" || cat == "search") {
				queries++
			}
			if sid := p.Tags["session"]; sid != "" {
				sessions[sid] = struct{}{}
			}
			if st, ok := p.Tags["status"]; ok {
				tagged++
				if st == "error" {
					errored++
				}
			}
		}
		if cat == "database" && metric == "error_rate" {
			if p, ok := s.latest(); ok && now.Sub(p.At) <= 5*time.Minute {
				errRate = p.Value
			}
		}
	}
	a := alerting.Activity{QueryVolume: float64(queries), UserActivity: float64(len(sessions))}
	switch {
	case errRate >= 0:
		a.ErrorRate = errRate
	case tagged > 0:
		a.ErrorRate = float64(errored) / float64(tagged)
	}
	return a
}

// Baseline exposes learned baselines as alert history once they hold enough
// samples.
func (m *Monitor) Baseline(category, metric string) (mean, stdDev float64, ok bool) {
	b, found := m.thr.Baseline(threshold.ID(category, metric))
	if !found || b.Count < m.cfg.MinBaseline {
		return 0, 0, false
	}
	return b.Mean, b.StdDev, true
}

// seriesChecker grades a category by its latest values against thresholds
// and by its active alerts.
func (m *Monitor) seriesChecker(category string) Checker {
	return CheckFunc{Component: category, Fn: func(ctx context.Context) (ComponentHealth, error) {
		h := ComponentHealth{Name: category, Status: StatusHealthy, Metrics: map[string]float64{}}
		for _, t := range m.thr.AllThresholds() {
			if t.Category != category {
				continue
			}
			m.mu.RLock()
			s, ok := m.series[t.ID]
			var p Point
			if ok {
				p, ok = s.latest()
			}
			m.mu.RUnlock()
			if !ok || t.CurrentValue <= 0 {
				continue
			}
			h.Metrics[t.Metric] = p.Value
			ratio := p.Value / t.CurrentValue
			switch {
			case ratio > 2:
				h.Status = worse(h.Status, StatusCritical)
				h.Issues = append(h.Issues, fmt.Sprintf("%s at %.4g is over twice its threshold %.4g", t.Metric, p.Value, t.CurrentValue))
			case ratio > 1:
				h.Status = worse(h.Status, StatusDegraded)
				h.Issues = append(h.Issues, fmt.Sprintf("%s at %.4g exceeds its threshold %.4g", t.Metric, p.Value, t.CurrentValue))
			}
		}
		for _, a := range m.alerts.ActiveAlerts() {
			if a.Category != category {
				continue
			}
			h.Metrics["active_alerts"]++
			if a.Severity == alerting.SeverityCritical {
				h.Status = worse(h.Status, StatusCritical)
				h.Issues = append(h.Issues, "critical alert active: "+a.Message)
			}
		}
		return h, nil
	}}
}

// RunHealthChecks runs every checker concurrently. A failing or panicking
// check marks its component critical and never affects the others.
func (m *Monitor) RunHealthChecks(ctx context.Context) map[string]ComponentHealth {
	results := make([]ComponentHealth, len(m.checkers))
	var wg sync.WaitGroup
	for i, c := range m.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = m.runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	out := make(map[string]ComponentHealth, len(results))
	for _, h := range results {
		out[h.Name] = h
		observability.SetComponentHealth(h.Name, h.Status.level())
		if h.Status != StatusHealthy {
			m.log.WarnContext(ctx, "component unhealthy", "name", h.Name, "status", string(h.Status), "issues", h.Issues)
		}
	}
	m.mu.Lock()
	m.health = out
	m.lastCheck = m.now()
	m.mu.Unlock()
	return out
}

func (m *Monitor) runCheck(ctx context.Context, c Checker) (h ComponentHealth) {
	start := m.now()
	name := c.Name()
	defer func() {
		if r := recover(); r != nil {
			h = ComponentHealth{Name: name, Status: StatusCritical, Issues: []string{fmt.Sprintf("check panicked: %v", r)}}
		}
		h.Name = name
		h.CheckedAt = start
		h.Latency = m.now().Sub(start)
	}()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()
	res, err := c.Check(ctx)
	if err != nil {
		return ComponentHealth{Status: StatusCritical, Issues: []string{err.Error()}}
	}
	if res.Status == "" {
		res.Status = StatusHealthy
	}
	return res
}

// RecordTraining turns the interval's metrics, thresholds and alert feedback
// into one optimizer training record.
func (m *Monitor) RecordTraining(ctx context.Context) bool {
	now := m.now()
	l := m.load.Load(ctx)
	fb := m.alerts.DrainFeedback()

	rec := threshold.TrainingRecord{
		At:             now,
		CPU:            l.CPU,
		Memory:         l.Memory,
		UnderLoad:      l.UnderLoad(),
		BusinessHours:  m.alerts.Calendar().BusinessHours(now),
		Metrics:        map[string]float64{},
		Thresholds:     map[string]float64{},
		Alerts:         map[string]int{},
		FalsePositives: map[string]int{},
		MissedIssues:   map[string]int{},
	}
	for _, t := range m.thr.AllThresholds() {
		rec.Thresholds[t.ID] = t.CurrentValue
	}
	m.mu.Lock()
	for id, s := range m.series {
		if p, ok := s.latest(); ok {
			rec.Metrics[id] = p.Value
		}
	}
	for kind, f := range fb {
		rec.Alerts[kind] = f.Alerts
		rec.FalsePositives[kind] = f.FalsePositives
		rec.MissedIssues[kind] = f.MissedIssues
		m.feedback.Alerts += f.Alerts
		m.feedback.FalsePositives += f.FalsePositives
		m.feedback.MissedIssues += f.MissedIssues
	}
	m.mu.Unlock()

	if len(rec.Metrics) == 0 && len(fb) == 0 {
		return false
	}
	m.thr.AddTrainingRecord(rec)
	return true
}

type AdaptiveMetrics struct {
	ThresholdAccuracy float64 `json:"threshold_accuracy"`
	AlertReduction    float64 `json:"alert_reduction"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	ActiveAlerts      int     `json:"active_alerts"`
	TrainingRecords   int     `json:"training_records"`
}

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	}
	return "low"
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

type Recommendation struct {
	Priority  Priority `json:"priority"`
	Component string   `json:"component,omitempty"`
	Message   string   `json:"message"`
}

type Assessment struct {
	Status          Status                     `json:"status"`
	GeneratedAt     time.Time                  `json:"generated_at"`
	LastCheck       time.Time                  `json:"last_check"`
	Components      map[string]ComponentHealth `json:"components"`
	Adaptive        AdaptiveMetrics            `json:"adaptive"`
	Recommendations []Recommendation           `json:"recommendations"`
}

// GetSystemHealthAssessment grades the system from the latest health checks,
// running them first if none have run yet.
func (m *Monitor) GetSystemHealthAssessment(ctx context.Context) Assessment {
	m.mu.RLock()
	comps := m.health
	last := m.lastCheck
	fb := m.feedback
	m.mu.RUnlock()
	if last.IsZero() {
		comps = m.RunHealthChecks(ctx)
		m.mu.RLock()
		last = m.lastCheck
		m.mu.RUnlock()
	}

	a := Assessment{
		Status:      StatusHealthy,
		GeneratedAt: m.now(),
		LastCheck:   last,
		Components:  make(map[string]ComponentHealth, len(comps)),
	}
	for name, h := range comps {
		a.Components[name] = h
		a.Status = worse(a.Status, h.Status)
	}

	ths := m.thr.AllThresholds()
	var conf float64
	for _, t := range ths {
		conf += t.Confidence
	}
	if len(ths) > 0 {
		a.Adaptive.ThresholdAccuracy = conf / float64(len(ths))
	}
	st := m.alerts.Status()
	if total := st.Processed + st.Suppressed; total > 0 {
		a.Adaptive.AlertReduction = float64(st.Suppressed) / float64(total)
	}
	for _, f := range st.Feedback {
		fb.Alerts += f.Alerts
		fb.FalsePositives += f.FalsePositives
	}
	if fb.Alerts > 0 {
		a.Adaptive.FalsePositiveRate = float64(fb.FalsePositives) / float64(fb.Alerts)
	}
	a.Adaptive.ActiveAlerts = st.ActiveCount
	a.Adaptive.TrainingRecords = m.thr.RecordCount()

	a.Recommendations = recommend(a, m.cfg.Threshold.MinConfidence)
	return a
}

func recommend(a Assessment, minConf float64) []Recommendation {
	var out []Recommendation
	names := make([]string, 0, len(a.Components))
	for n := range a.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		h := a.Components[n]
		switch h.Status {
		case StatusCritical:
			out = append(out, Recommendation{Priority: PriorityHigh, Component: n, Message: fmt.Sprintf("investigate %s immediately: %s", n, issues(h))})
		case StatusDegraded:
			out = append(out, Recommendation{Priority: PriorityMedium, Component: n, Message: fmt.Sprintf("%s is degraded: %s", n, issues(h))})
		}
	}
	if a.Adaptive.ActiveAlerts > 10 {
		out = append(out, Recommendation{Priority: PriorityHigh, Message: fmt.Sprintf("%d active alerts; resolve or acknowledge the oldest first", a.Adaptive.ActiveAlerts)})
	}
	if a.Adaptive.FalsePositiveRate > 0.1 {
		out = append(out, Recommendation{Priority: PriorityMedium, Message: fmt.Sprintf("false positive rate is %.0f%%; thresholds will be raised as feedback accumulates", a.Adaptive.FalsePositiveRate*100)})
	}
	if a.Adaptive.ThresholdAccuracy > 0 && a.Adaptive.ThresholdAccuracy < minConf {
		out = append(out, Recommendation{Priority: PriorityLow, Message: "threshold confidence is low; keep collecting metrics before relying on adaptive values"})
	}
	if a.Adaptive.TrainingRecords < 100 {
		out = append(out, Recommendation{Priority: PriorityLow, Message: fmt.Sprintf("only %d training records; threshold optimization starts at 100", a.Adaptive.TrainingRecords)})
	}
	if a.Status == StatusCritical && len(out) == 0 {
		out = append(out, Recommendation{Priority: PriorityHigh, Message: "system is critical; review component health"})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func issues(h ComponentHealth) string {
	if len(h.Issues) == 0 {
		return "no details reported"
	}
	s := h.Issues[0]
	if n := len(h.Issues) - 1; n > 0 {
		s += fmt.Sprintf(" (+%d more)", n)
	}
	return s
}

// Shutdown stops the health task, drains alert delivery and flushes
// threshold state.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	t := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	t.Stop()
	return errors.Join(m.alerts.Shutdown(ctx), m.thr.Shutdown(ctx))
}
