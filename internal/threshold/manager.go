package threshold

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/schedule"
	"github.com/mohammed-shakir/perfcore/internal/state"
)

type Config struct {
	AdaptEvery      int
	MinSamples      int
	PercentileEvery int
	SampleWindow    int
	MaxWeight       float64

	InitialConfidence float64
	MinConfidence     float64
	ConfidenceStep    float64
	MaxConfidence     float64
	AdaptationRate    float64
	MaxChange         float64
	LoadFactor        float64
	IdleFactor        float64
	HistoryCap        int
	HistoryTrim       int

	MaxRecords         int
	OptimizeMinRecords int
	TargetFalsePos     float64
	TargetMiss         float64
	ApplyConfidence    float64

	OptimizeInterval time.Duration
	PersistInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		AdaptEvery:      50,
		MinSamples:      100,
		PercentileEvery: 100,
		SampleWindow:    1000,
		MaxWeight:       0.1,

		InitialConfidence: 0.7,
		MinConfidence:     0.7,
		ConfidenceStep:    0.05,
		MaxConfidence:     0.95,
		AdaptationRate:    0.1,
		MaxChange:         0.5,
		LoadFactor:        1.5,
		IdleFactor:        0.8,
		HistoryCap:        50,
		HistoryTrim:       25,

		MaxRecords:         1000,
		OptimizeMinRecords: 100,
		TargetFalsePos:     0.10,
		TargetMiss:         0.20,
		ApplyConfidence:    0.6,

		OptimizeInterval: time.Hour,
		PersistInterval:  10 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	setInt(&c.AdaptEvery, d.AdaptEvery)
	setInt(&c.MinSamples, d.MinSamples)
	setInt(&c.PercentileEvery, d.PercentileEvery)
	setInt(&c.SampleWindow, d.SampleWindow)
	setInt(&c.HistoryCap, d.HistoryCap)
	setInt(&c.HistoryTrim, d.HistoryTrim)
	setInt(&c.MaxRecords, d.MaxRecords)
	setInt(&c.OptimizeMinRecords, d.OptimizeMinRecords)
	setFloat(&c.MaxWeight, d.MaxWeight)
	setFloat(&c.InitialConfidence, d.InitialConfidence)
	setFloat(&c.MinConfidence, d.MinConfidence)
	setFloat(&c.ConfidenceStep, d.ConfidenceStep)
	setFloat(&c.MaxConfidence, d.MaxConfidence)
	setFloat(&c.AdaptationRate, d.AdaptationRate)
	setFloat(&c.MaxChange, d.MaxChange)
	setFloat(&c.LoadFactor, d.LoadFactor)
	setFloat(&c.IdleFactor, d.IdleFactor)
	setFloat(&c.TargetFalsePos, d.TargetFalsePos)
	setFloat(&c.TargetMiss, d.TargetMiss)
	setFloat(&c.ApplyConfidence, d.ApplyConfidence)
	if c.HistoryTrim > c.HistoryCap {
		c.HistoryTrim = c.HistoryCap
	}
}

type Deps struct {
	Logger *slog.Logger
	Load   capability.LoadProvider
	Store  state.Store
	// Profile skips host profiling when set.
	Profile *capability.Profile
	// ProfileOptions are passed to capability.Run otherwise.
	ProfileOptions capability.Options
}

type Manager struct {
	log   *slog.Logger
	load  capability.LoadProvider
	store state.Store
	deps  Deps
	cfg   Config
	now   func() time.Time

	mu         sync.RWMutex
	profile    capability.Profile
	thresholds map[string]*Threshold
	baselines  map[string]*Baseline
	records    []TrainingRecord
	lastOpt    []Recommendation
	tasks      *schedule.Group
	saveMu     sync.Mutex
}

func New(cfg Config, d Deps) *Manager {
	cfg.normalize()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Load == nil {
		d.Load = capability.Static{}
	}
	m := &Manager{
		log:        d.Logger.With("component", "threshold"),
		load:       d.Load,
		store:      d.Store,
		deps:       d,
		cfg:        cfg,
		now:        time.Now,
		profile:    capability.Default(),
		thresholds: make(map[string]*Threshold),
		baselines:  make(map[string]*Baseline),
	}
	if d.Profile != nil {
		m.profile = *d.Profile
	}
	m.installDefaultsLocked()
	return m
}

// Init profiles the host (unless a profile was supplied) and restores
// persisted state. Neither step is fatal.
func (m *Manager) Init(ctx context.Context) {
	if m.deps.Profile == nil {
		p, err := capability.Run(ctx, m.deps.ProfileOptions)
		if err != nil {
			m.log.Warn("capability profiling incomplete, using defaults for failed parts", "err", err)
		}
		m.mu.Lock()
		m.profile = p
		m.thresholds = make(map[string]*Threshold)
		m.installDefaultsLocked()
		m.mu.Unlock()
		m.log.Info("host profiled",
			"class", string(p.Class), "cores", p.CPUCores, "memory", p.MemoryTotal, "disk_mbps", p.DiskMBps)
	}
	m.loadState(ctx)
	m.publishAll()
}

// Start launches the periodic optimizer and persistence tasks.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks != nil {
		return
	}
	m.tasks = schedule.Start(m.log,
		schedule.Task{Name: "optimize", Every: m.cfg.OptimizeInterval, Run: func(ctx context.Context) {
			m.OptimizeThresholds()
			if err := m.Save(ctx); err != nil {
				m.log.Warn("persist thresholds after optimize", "err", err)
			}
		}},
		schedule.Task{Name: "persist", Every: m.cfg.PersistInterval, Run: func(ctx context.Context) {
			if err := m.Save(ctx); err != nil {
				m.log.Warn("persist thresholds", "err", err)
			}
		}},
	)
}

// Shutdown stops the periodic tasks and flushes state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	t := m.tasks
	m.tasks = nil
	m.mu.Unlock()
	t.Stop()
	return m.Save(ctx)
}

func (m *Manager) installDefaultsLocked() {
	scale := m.profile.LatencyScale()
	for _, d := range Defaults {
		v := d.Value
		if d.Kind == KindLatency {
			v *= scale
		}
		id := ID(d.Category, d.Metric)
		m.thresholds[id] = &Threshold{
			ID:             id,
			Category:       d.Category,
			Metric:         d.Metric,
			Kind:           d.Kind,
			BaseValue:      v,
			CurrentValue:   v,
			Confidence:     m.cfg.InitialConfidence,
			AdaptationRate: m.cfg.AdaptationRate,
			Phase:          PhaseDefault,
		}
	}
}

func (m *Manager) Profile() capability.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// UpdateBaseline records one observation and adapts the matching threshold
// every AdaptEvery samples once MinSamples have been seen.
func (m *Manager) UpdateBaseline(ctx context.Context, category, metric string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	id := ID(category, metric)
	now := m.now()

	m.mu.Lock()
	b, ok := m.baselines[id]
	if !ok {
		b = &Baseline{Category: category, Metric: metric}
		m.baselines[id] = b
	}
	b.observe(value, now, m.cfg.SampleWindow, m.cfg.PercentileEvery, m.cfg.MaxWeight)
	n := b.Count
	_, hasThreshold := m.thresholds[id]
	m.mu.Unlock()

	observability.IncBaselineSample(category)
	if hasThreshold && n >= m.cfg.MinSamples && n%m.cfg.AdaptEvery == 0 {
		m.adapt(ctx, id)
	}
}

// AdaptThreshold runs one adaptation step for id now. It reports whether the
// threshold changed.
func (m *Manager) AdaptThreshold(ctx context.Context, id string) bool {
	return m.adapt(ctx, id)
}

func (m *Manager) adapt(ctx context.Context, id string) bool {
	load := m.load.Load(ctx)
	now := m.now()

	m.mu.Lock()
	t, ok := m.thresholds[id]
	b, hasBase := m.baselines[id]
	if !ok || !hasBase || b.Count == 0 || t.Confidence < m.cfg.MinConfidence {
		m.mu.Unlock()
		return false
	}
	if b.Count%m.cfg.PercentileEvery != 0 {
		b.refreshPercentiles()
	}

	var candidate float64
	var reason string
	switch t.Kind {
	case KindUtilization:
		candidate = math.Min(b.P95, b.Mean+2*b.StdDev)
		reason = fmt.Sprintf("min(p95=%.4g, mean+2sd=%.4g)", b.P95, b.Mean+2*b.StdDev)
	default:
		if load.UnderLoad() {
			candidate = b.P95 * m.cfg.LoadFactor
			reason = fmt.Sprintf("p95=%.4g x%.2g under load", b.P95, m.cfg.LoadFactor)
		} else {
			candidate = b.P95 * m.cfg.IdleFactor
			reason = fmt.Sprintf("p95=%.4g x%.2g", b.P95, m.cfg.IdleFactor)
		}
	}

	old := t.CurrentValue
	candidate = m.capChange(old, candidate)
	next := old + t.AdaptationRate*(candidate-old)
	next = math.Max(0, m.capChange(old, next))

	t.Confidence = math.Min(m.cfg.MaxConfidence, t.Confidence+m.cfg.ConfidenceStep)
	t.CurrentValue = next
	t.LastAdjusted = now
	t.Phase = m.phaseAfterAdapt(t)
	m.appendHistoryLocked(t, Adjustment{At: now, OldValue: old, NewValue: next, Reason: "adapt: " + reason, Confidence: t.Confidence})
	value, conf := t.CurrentValue, t.Confidence
	m.mu.Unlock()

	observability.SetThreshold(id, value, conf)
	m.log.Debug("threshold adapted", "threshold", id, "old", old, "new", value, "confidence", conf)
	return value != old
}

// phaseAfterAdapt keeps optimizer-set values labelled as such. Otherwise an
// adapted threshold is stable once its confidence reaches MinConfidence.
func (m *Manager) phaseAfterAdapt(t *Threshold) Phase {
	switch {
	case t.Phase == PhaseOptimized:
		return PhaseOptimized
	case t.Confidence >= m.cfg.MinConfidence:
		return PhaseStable
	}
	return PhaseAdapting
}

// capChange bounds v to within MaxChange of old.
func (m *Manager) capChange(old, v float64) float64 {
	if old <= 0 {
		return math.Max(0, v)
	}
	lo, hi := old*(1-m.cfg.MaxChange), old*(1+m.cfg.MaxChange)
	return math.Max(lo, math.Min(hi, v))
}

func (m *Manager) appendHistoryLocked(t *Threshold, a Adjustment) {
	t.History = append(t.History, a)
	if len(t.History) > m.cfg.HistoryCap {
		t.History = append([]Adjustment(nil), t.History[len(t.History)-m.cfg.HistoryTrim:]...)
	}
}

// GetThreshold returns the current value for id.
func (m *Manager) GetThreshold(id string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[id]
	if !ok {
		return 0, false
	}
	return t.CurrentValue, true
}

// Threshold returns a copy of the full threshold record.
func (m *Manager) Threshold(id string) (Threshold, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thresholds[id]
	if !ok {
		return Threshold{}, false
	}
	return t.clone(), true
}

// AllThresholds returns copies of every threshold ordered by id.
func (m *Manager) AllThresholds() []Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholdsLocked()
}

func (m *Manager) thresholdsLocked() []Threshold {
	out := make([]Threshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Baseline(id string) (Baseline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[id]
	if !ok {
		return Baseline{}, false
	}
	return b.clone(), true
}

func (m *Manager) Baselines() []Baseline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.baselinesLocked(false)
}

func (m *Manager) baselinesLocked(withSamples bool) []Baseline {
	out := make([]Baseline, 0, len(m.baselines))
	for _, b := range m.baselines {
		cp := b.clone()
		if !withSamples {
			cp.Samples = nil
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return ID(out[i].Category, out[i].Metric) < ID(out[j].Category, out[j].Metric)
	})
	return out
}

// AddTrainingRecord appends one evaluation period, keeping the newest
// MaxRecords.
func (m *Manager) AddTrainingRecord(r TrainingRecord) {
	if r.At.IsZero() {
		r.At = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	if over := len(m.records) - m.cfg.MaxRecords; over > 0 {
		m.records = append([]TrainingRecord(nil), m.records[over:]...)
	}
}

func (m *Manager) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Manager) publishAll() {
	for _, t := range m.AllThresholds() {
		observability.SetThreshold(t.ID, t.CurrentValue, t.Confidence)
	}
}
