package threshold

import (
	"context"
	"errors"
	"math"

	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/state"
)

const stateName = "thresholds"

type persisted struct {
	Profile    capability.Profile `json:"profile"`
	Thresholds []Threshold        `json:"thresholds"`
	Baselines  []Baseline         `json:"baselines"`
	Records    []TrainingRecord   `json:"records"`
}

// Save writes the current state. The snapshot is taken under the lock; the
// encode and write are not, so metric recording is never blocked on I/O.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	p := persisted{
		Profile:    m.profile,
		Thresholds: m.thresholdsLocked(),
		Baselines:  m.baselinesLocked(true),
		Records:    append([]TrainingRecord(nil), m.records...),
	}
	m.mu.RUnlock()

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	return state.SaveValue(ctx, m.store, stateName, p)
}

func (m *Manager) loadState(ctx context.Context) {
	if m.store == nil {
		return
	}
	var p persisted
	at, err := state.LoadValue(ctx, m.store, stateName, &p)
	switch {
	case errors.Is(err, state.ErrNotFound):
		m.log.Info("no threshold state found, starting from capability defaults")
		return
	case err != nil:
		m.log.Warn("load threshold state, starting from capability defaults", "err", err)
		return
	}
	m.restore(p)
	m.log.Info("threshold state restored", "saved_at", at, "thresholds", len(p.Thresholds), "baselines", len(p.Baselines))
}

func (m *Manager) restore(p persisted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range p.Thresholds {
		if t.ID == "" || math.IsNaN(t.CurrentValue) || t.CurrentValue < 0 {
			continue
		}
		t := t.clone()
		if t.Kind == "" {
			t.Kind = KindOf(t.Metric)
		}
		if t.AdaptationRate <= 0 {
			t.AdaptationRate = m.cfg.AdaptationRate
		}
		t.Confidence = math.Max(0, math.Min(1, t.Confidence))
		m.thresholds[t.ID] = &t
	}
	for _, b := range p.Baselines {
		b := b.clone()
		b.restored(m.cfg.SampleWindow)
		m.baselines[ID(b.Category, b.Metric)] = &b
	}
	m.records = append([]TrainingRecord(nil), p.Records...)
	if over := len(m.records) - m.cfg.MaxRecords; over > 0 {
		m.records = m.records[over:]
	}
}

// LoadReport reads persisted state from store and builds the report without
// a running manager.
func LoadReport(ctx context.Context, store state.Store) (Report, error) {
	var p persisted
	if _, err := state.LoadValue(ctx, store, stateName, &p); err != nil {
		return Report{}, err
	}
	prof := p.Profile
	m := New(Config{}, Deps{Profile: &prof})
	m.restore(p)
	return m.Report(ctx), nil
}
