// Package threshold keeps per-metric baselines and derives adaptive alert
// thresholds from them and from the host's capability.
package threshold

import (
	"strings"
	"time"
)

// Kind selects how a threshold adapts.
type Kind string

const (
	// KindLatency thresholds track the p95 and relax under load.
	KindLatency Kind = "latency"
	// KindUtilization thresholds track min(p95, mean+2σ).
	KindUtilization Kind = "utilization"
)

type Phase string

const (
	PhaseDefault   Phase = "default"
	PhaseAdapting  Phase = "adapting"
	PhaseStable    Phase = "stable"
	PhaseOptimized Phase = "optimized"
)

type Adjustment struct {
	At         time.Time `json:"at"`
	OldValue   float64   `json:"old_value"`
	NewValue   float64   `json:"new_value"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
}

type Threshold struct {
	ID             string       `json:"id"`
	Category       string       `json:"category"`
	Metric         string       `json:"metric"`
	Kind           Kind         `json:"kind"`
	BaseValue      float64      `json:"base_value"`
	CurrentValue   float64      `json:"current_value"`
	Confidence     float64      `json:"confidence"`
	AdaptationRate float64      `json:"adaptation_rate"`
	Phase          Phase        `json:"phase"`
	LastAdjusted   time.Time    `json:"last_adjusted"`
	History        []Adjustment `json:"history,omitempty"`
}

func (t Threshold) clone() Threshold {
	t.History = append([]Adjustment(nil), t.History...)
	return t
}

// ID joins category and metric the way thresholds and baselines are keyed.
func ID(category, metric string) string { return category + ":" + metric }

// SplitID is the inverse of ID. A bare metric name has an empty category.
func SplitID(id string) (category, metric string) {
	if i := strings.IndexByte(id, ':'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}

// KindOf guesses the kind of a metric without a configured default.
func KindOf(metric string) Kind {
	m := strings.ToLower(metric)
	for _, w := range []string{"usage", "utilization", "rate", "ratio", "percent"} {
		if strings.Contains(m, w) {
			return KindUtilization
		}
	}
	return KindLatency
}

// Default describes a threshold created at startup.
type Default struct {
	Category string
	Metric   string
	Kind     Kind
	Value    float64
}

// Defaults are the built-in thresholds. Latency values are milliseconds on
// a high-class host and get scaled by the capability profile.
var Defaults = []Default{
	{"database", "query_duration", KindLatency, 100},
	{"search", "fts_duration", KindLatency, 200},
	{"search", "semantic_duration", KindLatency, 500},
	{"memory", "heap_usage", KindUtilization, 0.8},
	{"system", "cpu_usage", KindUtilization, 0.8},
	{"database", "error_rate", KindUtilization, 0.05},
}

// TrainingRecord summarizes one evaluation period for the optimizer. Maps are
// keyed by threshold ID.
type TrainingRecord struct {
	At             time.Time          `json:"at"`
	CPU            float64            `json:"cpu"`
	Memory         float64            `json:"memory"`
	UnderLoad      bool               `json:"under_load"`
	BusinessHours  bool               `json:"business_hours"`
	Metrics        map[string]float64 `json:"metrics"`
	Thresholds     map[string]float64 `json:"thresholds"`
	Alerts         map[string]int     `json:"alerts,omitempty"`
	FalsePositives map[string]int     `json:"false_positives,omitempty"`
	MissedIssues   map[string]int     `json:"missed_issues,omitempty"`
}

type Recommendation struct {
	ThresholdID       string  `json:"threshold_id"`
	Current           float64 `json:"current"`
	Recommended       float64 `json:"recommended"`
	Confidence        float64 `json:"confidence"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	MissRate          float64 `json:"miss_rate"`
	Reason            string  `json:"reason"`
	Applied           bool    `json:"applied"`
}
