package alerting

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

type signal int

const (
	sigOther signal = iota
	sigDBLatency
	sigMemory
	sigCPU
	sigSearch
)

func classify(category, metric string) signal {
	m := strings.ToLower(metric)
	switch c := strings.ToLower(category); {
	case c == "database" && (strings.Contains(m, "latency") || strings.Contains(m, "duration") || strings.Contains(m, "query")):
		return sigDBLatency
	case c == "memory" || strings.Contains(m, "memory") || strings.Contains(m, "heap"):
		return sigMemory
	case strings.Contains(m, "cpu"):
		return sigCPU
	case c == "search":
		return sigSearch
	}
	return sigOther
}

// cascades lists cause→effect pairs that commonly appear together.
var cascades = map[signal]signal{
	sigDBLatency: sigMemory,
	sigCPU:       sigDBLatency,
	sigMemory:    sigSearch,
}

func cascade(a, b signal) bool {
	return cascades[a] == b && b != sigOther || cascades[b] == a && a != sigOther
}

func related(a, b *SmartAlert) bool {
	if a.Category == b.Category {
		return true
	}
	return cascade(classify(a.Category, a.Metric), classify(b.Category, b.Metric))
}

// correlateLocked links a with every active alert raised within the
// correlation window that shares its category or forms a known cascade.
func (s *System) correlateLocked(a *SmartAlert, now time.Time) {
	var ids []string
	for _, o := range s.active {
		if now.Sub(o.CreatedAt) > s.cfg.CorrelationWindow || !related(a, o) {
			continue
		}
		ids = append(ids, o.ID)
		o.CorrelatedAlerts = append(o.CorrelatedAlerts, a.ID)
	}
	sort.Strings(ids)
	a.CorrelatedAlerts = ids
}

func (s *System) correlatedLocked(a *SmartAlert) []*SmartAlert {
	out := make([]*SmartAlert, 0, len(a.CorrelatedAlerts))
	for _, id := range a.CorrelatedAlerts {
		if o, ok := s.active[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// rootCause picks the most likely cause over a and its correlated alerts.
// It returns nil when nothing is correlated.
func rootCause(a *SmartAlert, correlated []*SmartAlert) *RootCause {
	if len(correlated) == 0 {
		return nil
	}
	group := append([]*SmartAlert{a}, correlated...)
	var evidence []string
	var db, mem *SmartAlert
	sameCategory := true
	for _, o := range group {
		evidence = append(evidence, fmt.Sprintf("%s=%.4g (threshold %.4g)", o.Kind(), o.Value, o.Threshold))
		switch classify(o.Category, o.Metric) {
		case sigDBLatency:
			if db == nil {
				db = o
			}
		case sigMemory:
			if mem == nil {
				mem = o
			}
		}
		if o.Category != a.Category {
			sameCategory = false
		}
	}

	switch {
	case len(correlated) > 3:
		return &RootCause{
			SuspectedCause: "cascading failure across dependent components",
			Confidence:     math.Min(0.8, 0.6+0.05*float64(len(correlated)-3)),
			Evidence:       evidence,
		}
	case db != nil:
		return &RootCause{SuspectedCause: "database performance issue", Confidence: 0.8, Evidence: evidence}
	case mem != nil:
		return &RootCause{SuspectedCause: "memory pressure", Confidence: 0.7, Evidence: evidence}
	case sameCategory:
		return &RootCause{SuspectedCause: a.Category + " subsystem degradation", Confidence: 0.6, Evidence: evidence}
	}
	return &RootCause{SuspectedCause: "related degradation in " + a.Category, Confidence: 0.5, Evidence: evidence}
}

// insights are plain-language hints derived from the metric, its context and
// the learned pattern for its kind.
func insights(a *SmartAlert, p *Pattern) []string {
	var out []string
	m := strings.ToLower(a.Metric)
	switch {
	case strings.Contains(m, "latency") || strings.Contains(m, "duration"):
		if a.Category == "search" {
			out = append(out, "review index size and query complexity for slow searches")
		} else {
			out = append(out, "check for slow queries, lock contention or missing indexes")
		}
	case strings.Contains(m, "memory") || strings.Contains(m, "heap"):
		out = append(out, "inspect heap growth and in-process cache sizes")
	case strings.Contains(m, "cpu"):
		out = append(out, "look for hot code paths or background jobs competing for CPU")
	case strings.Contains(m, "error"):
		out = append(out, "inspect recent error logs for the failing operation")
	}

	ac := a.Context
	if ac.Load.CPU > 0.9 {
		out = append(out, fmt.Sprintf("system CPU is saturated at %.0f%%", ac.Load.CPU*100))
	}
	if ac.Load.Memory > 0.9 {
		out = append(out, fmt.Sprintf("memory utilization is high at %.0f%%", ac.Load.Memory*100))
	}
	if ac.Activity.ErrorRate > 0.1 {
		out = append(out, fmt.Sprintf("error rate is elevated at %.1f%%", ac.Activity.ErrorRate*100))
	}
	if !ac.Time.BusinessHours {
		out = append(out, "raised outside business hours; scheduled jobs may be involved")
	}
	if ac.Historical.Known && ac.Historical.PercentileRank > 0.95 {
		out = append(out, fmt.Sprintf("value is above the 95th percentile of its history (typical %.4g)", ac.Historical.Typical))
	}

	if p != nil && p.Frequency >= 5 {
		s := fmt.Sprintf("recurring alert, seen %d times", p.Frequency)
		if p.TypicalDuration > 0 {
			s += fmt.Sprintf(", usually resolves in %s", p.TypicalDuration.Round(time.Second))
		}
		out = append(out, s)
		if len(p.CommonCauses) > 0 {
			out = append(out, "most common cause: "+p.CommonCauses[0].Cause)
		}
	}
	return out
}
