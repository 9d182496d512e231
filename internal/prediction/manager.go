package prediction

import (
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/hotness"
	"github.com/mohammed-shakir/perfcore/internal/usage"
)

// PatternSource supplies the temporal and contextual counters the matching
// heuristics read. *usage.Analyzer implements it.
type PatternSource interface {
	TemporalKeys(t time.Time, limit int) []usage.KeyFrequency
	ContextualKeys(queryTypes []string, limit int) []usage.KeyFrequency
}

type Config struct {
	MaxPredictions int
	TTL            time.Duration
	SmoothingRate  float64
	RetrainEvery   int
	RetrainWindow  int
	MaxRecords     int
	BasePriority   map[ModelType]float64
	Disabled       []ModelType
}

func DefaultConfig() Config {
	return Config{
		MaxPredictions: 10,
		TTL:            10 * time.Minute,
		SmoothingRate:  0.1,
		RetrainEvery:   100,
		RetrainWindow:  1000,
		MaxRecords:     5000,
		BasePriority: map[ModelType]float64{
			Sequence:      0.9,
			Contextual:    0.8,
			Temporal:      0.7,
			Collaborative: 0.5,
		},
	}
}

type Options struct {
	Logger        *slog.Logger
	Source        PatternSource
	Collaborative CollaborativeStrategy
	Hotness       hotness.Interface
}

type Manager struct {
	log    *slog.Logger
	src    PatternSource
	collab CollaborativeStrategy
	hot    hotness.Interface
	now    func() time.Time

	mu           sync.RWMutex
	cfg          Config
	models       map[ModelType]*Model
	records      []TrainingRecord
	sinceRetrain int
}

func New(cfg Config, opts Options) *Manager {
	d := DefaultConfig()
	if cfg.MaxPredictions <= 0 {
		cfg.MaxPredictions = d.MaxPredictions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = d.TTL
	}
	if cfg.SmoothingRate <= 0 || cfg.SmoothingRate > 1 {
		cfg.SmoothingRate = d.SmoothingRate
	}
	if cfg.RetrainEvery <= 0 {
		cfg.RetrainEvery = d.RetrainEvery
	}
	if cfg.RetrainWindow <= 0 {
		cfg.RetrainWindow = d.RetrainWindow
	}
	if cfg.MaxRecords < cfg.RetrainWindow {
		cfg.MaxRecords = max(d.MaxRecords, cfg.RetrainWindow)
	}
	if cfg.BasePriority == nil {
		cfg.BasePriority = d.BasePriority
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collaborative == nil {
		opts.Collaborative = StaticCollaborative{}
	}

	m := &Manager{
		log:    opts.Logger,
		src:    opts.Source,
		collab: opts.Collaborative,
		hot:    opts.Hotness,
		now:    time.Now,
		cfg:    cfg,
		models: make(map[ModelType]*Model, len(ModelTypes)),
	}
	for _, t := range ModelTypes {
		m.models[t] = &Model{Type: t, Enabled: !slices.Contains(cfg.Disabled, t), Accuracy: 0.5}
	}
	return m
}

func (m *Manager) SetMaxPredictions(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.cfg.MaxPredictions = n
	m.mu.Unlock()
}

func (m *Manager) SetEnabled(t ModelType, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if md, ok := m.models[t]; ok {
		md.Enabled = on
	}
}

// GeneratePredictions runs every enabled heuristic, keeps the most confident
// entry per key and returns the best MaxPredictions by Rank.
func (m *Manager) GeneratePredictions(ctx Context, patterns []usage.ScoredPattern) []Prediction {
	now := m.now()
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = now
	}

	m.mu.RLock()
	cfg := m.cfg
	enabled := map[ModelType]float64{}
	for t, md := range m.models {
		if md.Enabled {
			enabled[t] = md.Accuracy
		}
	}
	m.mu.RUnlock()

	byKey := map[string]Prediction{}
	add := func(t ModelType, key string, conf float64) {
		acc, ok := enabled[t]
		if !ok || key == "" {
			return
		}
		conf = clamp(conf, 0, 1)
		if conf <= 0 {
			return
		}
		if prev, ok := byKey[key]; ok && prev.Confidence >= conf {
			return
		}
		priority := cfg.BasePriority[t] * (0.5 + 0.5*acc)
		if m.hot != nil {
			priority += hotness.Boost(m.hot.Score(key))
		}
		byKey[key] = Prediction{
			Key:        key,
			Model:      t,
			Confidence: conf,
			Priority:   priority,
			Value:      EstimateValue(key),
			Context:    ctx,
			CreatedAt:  now,
			ExpiresAt:  now.Add(cfg.TTL),
		}
	}

	for _, sp := range patterns {
		p := sp.Pattern
		if len(p.Sequence) < 2 {
			continue
		}
		add(Sequence, p.Next(), p.Confidence*math.Min(1, float64(p.Frequency)/100))
	}
	if m.src != nil {
		for _, kf := range m.src.TemporalKeys(ctx.Timestamp, cfg.MaxPredictions) {
			add(Temporal, kf.Key, kf.Ratio)
		}
		for _, kf := range m.src.ContextualKeys(ctx.QueryTypes, cfg.MaxPredictions) {
			add(Contextual, kf.Key, 0.6*kf.Ratio)
		}
	}
	for _, r := range m.collab.Recommend(ctx) {
		add(Collaborative, r.Key, 0.5*r.Similarity)
	}

	out := make([]Prediction, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Rank(), out[j].Rank()
		if ri == rj {
			return out[i].Key < out[j].Key
		}
		return ri > rj
	})
	if len(out) > cfg.MaxPredictions {
		out = out[:cfg.MaxPredictions]
	}

	perModel := map[ModelType]int{}
	for _, p := range out {
		perModel[p.Model]++
	}
	for t, n := range perModel {
		observability.AddPredictions(string(t), n)
	}
	return out
}

// UpdateModelWithOutcome records whether a prediction was used and smooths
// the originating model's accuracy toward the outcome.
func (m *Manager) UpdateModelWithOutcome(p Prediction, accurate bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	md, ok := m.models[p.Model]
	if !ok {
		m.log.Debug("outcome for unknown model ignored", "model", p.Model, "key", p.Key)
		return
	}
	target := 0.0
	if accurate {
		target = 1
	}
	md.Accuracy = clamp(md.Accuracy+m.cfg.SmoothingRate*(target-md.Accuracy), 0, 1)
	md.TrainingSamples++

	m.records = append(m.records, TrainingRecord{
		Key:        p.Key,
		Model:      p.Model,
		Confidence: p.Confidence,
		Accurate:   accurate,
		At:         now,
	})
	if over := len(m.records) - m.cfg.MaxRecords; over > 0 {
		m.records = slices.Clone(m.records[over:])
	}

	m.sinceRetrain++
	if m.sinceRetrain >= m.cfg.RetrainEvery {
		m.sinceRetrain = 0
		m.retrainLocked(now)
	}
}

// retrainLocked recomputes each model's accuracy over the most recent
// RetrainWindow records.
func (m *Manager) retrainLocked(now time.Time) {
	recs := m.records
	if len(recs) > m.cfg.RetrainWindow {
		recs = recs[len(recs)-m.cfg.RetrainWindow:]
	}
	hits := map[ModelType]int{}
	totals := map[ModelType]int{}
	for _, r := range recs {
		totals[r.Model]++
		if r.Accurate {
			hits[r.Model]++
		}
	}
	for t, md := range m.models {
		if n := totals[t]; n > 0 {
			md.Accuracy = float64(hits[t]) / float64(n)
			md.LastTrained = now
		}
	}
	m.log.Debug("prediction models retrained", "records", len(recs))
}

func (m *Manager) Models() []Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Model, 0, len(m.models))
	for _, t := range ModelTypes {
		md := *m.models[t]
		out = append(out, md)
	}
	return out
}

func (m *Manager) RecordCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// State is the persisted form of the model set.
type State struct {
	Models  []Model          `json:"models"`
	Records []TrainingRecord `json:"records"`
}

func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := State{Records: slices.Clone(m.records)}
	for _, t := range ModelTypes {
		st.Models = append(st.Models, *m.models[t])
	}
	return st
}

func (m *Manager) Restore(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, md := range st.Models {
		if cur, ok := m.models[md.Type]; ok {
			cur.Accuracy = clamp(md.Accuracy, 0, 1)
			cur.TrainingSamples = md.TrainingSamples
			cur.LastTrained = md.LastTrained
			cur.Parameters = md.Parameters
		}
	}
	m.records = slices.Clone(st.Records)
	if over := len(m.records) - m.cfg.MaxRecords; over > 0 {
		m.records = m.records[over:]
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
