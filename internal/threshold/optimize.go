package threshold

import (
	"fmt"
	"math"
	"slices"
)

// OptimizeThresholds replays the training records against every threshold.
// A threshold whose false-positive rate is above target moves toward the p90
// of its observed values, one that misses too many issues moves toward the
// p10, otherwise toward the midpoint. Recommendations below ApplyConfidence
// are returned but not applied.
func (m *Manager) OptimizeThresholds() []Recommendation {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) < m.cfg.OptimizeMinRecords {
		m.log.Debug("optimizer skipped", "records", len(m.records), "need", m.cfg.OptimizeMinRecords)
		return nil
	}

	ids := make([]string, 0, len(m.thresholds))
	for id := range m.thresholds {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var recs []Recommendation
	for _, id := range ids {
		t := m.thresholds[id]
		r, ok := m.recommendLocked(t)
		if !ok {
			continue
		}
		if r.Confidence >= m.cfg.ApplyConfidence && r.Recommended != t.CurrentValue {
			old := t.CurrentValue
			t.CurrentValue = r.Recommended
			t.Confidence = r.Confidence
			t.Phase = PhaseOptimized
			t.LastAdjusted = now
			m.appendHistoryLocked(t, Adjustment{At: now, OldValue: old, NewValue: r.Recommended,
				Reason: "optimize: " + r.Reason, Confidence: r.Confidence})
			r.Applied = true
		}
		recs = append(recs, r)
	}
	m.lastOpt = recs

	applied := 0
	for _, r := range recs {
		if r.Applied {
			applied++
		}
	}
	m.log.Info("thresholds optimized", "records", len(m.records), "recommendations", len(recs), "applied", applied)
	return recs
}

func (m *Manager) recommendLocked(t *Threshold) (Recommendation, bool) {
	var (
		values                 []float64
		alerts, fps, missed, n int
	)
	for _, rec := range m.records {
		if _, ok := rec.Thresholds[t.ID]; !ok {
			continue
		}
		n++
		if v, ok := rec.Metrics[t.ID]; ok {
			values = append(values, v)
		}
		alerts += rec.Alerts[t.ID]
		fps += rec.FalsePositives[t.ID]
		missed += rec.MissedIssues[t.ID]
	}
	if n == 0 || len(values) == 0 {
		return Recommendation{}, false
	}
	slices.Sort(values)
	p10, p90 := percentile(values, 0.10), percentile(values, 0.90)

	r := Recommendation{ThresholdID: t.ID, Current: t.CurrentValue}
	if alerts > 0 {
		r.FalsePositiveRate = float64(fps) / float64(alerts)
	}
	if actual := alerts - fps + missed; actual > 0 {
		r.MissRate = float64(missed) / float64(actual)
	}

	switch {
	case r.FalsePositiveRate > m.cfg.TargetFalsePos:
		r.Recommended = p90
		r.Reason = fmt.Sprintf("false positives %.0f%% above target, raise toward p90=%.4g", r.FalsePositiveRate*100, p90)
	case r.MissRate > m.cfg.TargetMiss:
		r.Recommended = p10
		r.Reason = fmt.Sprintf("missed issues %.0f%% above target, lower toward p10=%.4g", r.MissRate*100, p10)
	default:
		r.Recommended = (p10 + p90) / 2
		r.Reason = fmt.Sprintf("within targets, center on %.4g", r.Recommended)
	}
	r.Recommended = m.capChange(t.CurrentValue, r.Recommended)
	r.Confidence = math.Max(0, math.Min(m.cfg.MaxConfidence, 0.4+0.2*float64(n)/100))
	return r, true
}
