package threshold

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/capability"
)

type AdjustmentEntry struct {
	ThresholdID string `json:"threshold_id"`
	Adjustment
}

type Report struct {
	GeneratedAt       time.Time          `json:"generated_at"`
	Capability        capability.Profile `json:"capability"`
	Thresholds        []Threshold        `json:"thresholds"`
	Baselines         []Baseline         `json:"baselines"`
	RecentAdjustments []AdjustmentEntry  `json:"recent_adjustments"`
	Optimizer         []Recommendation   `json:"optimizer,omitempty"`
	Recommendations   []string           `json:"recommendations"`
	Context           capability.Load    `json:"context"`
	AverageConfidence float64            `json:"average_confidence"`
	TrainingRecords   int                `json:"training_records"`
}

const recentAdjustments = 20

func (m *Manager) Report(ctx context.Context) Report {
	load := m.load.Load(ctx)

	m.mu.RLock()
	rep := Report{
		GeneratedAt:     m.now(),
		Capability:      m.profile,
		Thresholds:      m.thresholdsLocked(),
		Baselines:       m.baselinesLocked(false),
		Optimizer:       append([]Recommendation(nil), m.lastOpt...),
		Context:         load,
		TrainingRecords: len(m.records),
	}
	minSamples := m.cfg.MinSamples
	minConf := m.cfg.MinConfidence
	m.mu.RUnlock()

	var sum float64
	for _, t := range rep.Thresholds {
		sum += t.Confidence
		for _, a := range t.History {
			rep.RecentAdjustments = append(rep.RecentAdjustments, AdjustmentEntry{ThresholdID: t.ID, Adjustment: a})
		}
	}
	if n := len(rep.Thresholds); n > 0 {
		rep.AverageConfidence = sum / float64(n)
	}
	sort.Slice(rep.RecentAdjustments, func(i, j int) bool {
		return rep.RecentAdjustments[i].At.After(rep.RecentAdjustments[j].At)
	})
	if len(rep.RecentAdjustments) > recentAdjustments {
		rep.RecentAdjustments = rep.RecentAdjustments[:recentAdjustments]
	}
	rep.Recommendations = recommendations(rep, minSamples, minConf)
	return rep
}

func recommendations(rep Report, minSamples int, minConf float64) []string {
	var out []string
	if rep.Capability.Class == capability.ClassLow {
		out = append(out, "host is classified low capability: latency thresholds are relaxed x2.5, consider more CPU, memory or faster disk")
	}
	if rep.Context.UnderLoad() {
		out = append(out, fmt.Sprintf("system under load (cpu %.0f%%, memory %.0f%%): latency thresholds adapt upward", rep.Context.CPU*100, rep.Context.Memory*100))
	}
	counts := map[string]int{}
	for _, b := range rep.Baselines {
		id := ID(b.Category, b.Metric)
		counts[id] = b.Count
		if b.Mean > 0 && b.StdDev > b.Mean {
			out = append(out, fmt.Sprintf("%s is highly variable (mean %.4g, sd %.4g): investigate outliers", id, b.Mean, b.StdDev))
		}
	}
	for _, t := range rep.Thresholds {
		if counts[t.ID] < minSamples {
			out = append(out, fmt.Sprintf("%s has %d samples: adaptation starts at %d", t.ID, counts[t.ID], minSamples))
		}
		if t.Confidence < minConf {
			out = append(out, fmt.Sprintf("%s confidence %.2f is below %.2f: adaptation paused until feedback improves it", t.ID, t.Confidence, minConf))
		}
	}
	if rep.TrainingRecords < 100 {
		out = append(out, fmt.Sprintf("optimizer needs 100 training records, have %d", rep.TrainingRecords))
	}
	return out
}
