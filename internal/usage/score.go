package usage

import (
	"math"
	"slices"
	"time"
)

const (
	exactMatchScore   = 0.6
	partialMatchScore = 0.4
	maxFrequencyBonus = 0.2
	recencyHorizon    = 168 * time.Hour
	maxScore          = 1.1
)

// ScorePattern rates how well p predicts the next key after recent:
//
//	match      0.6 when p's prefix equals the tail of recent, else
//	           0.4 * longest common suffix / len(prefix)
//	frequency  min(0.2, frequency/100)
//	confidence 0.1 * confidence
//	context    0.1 * (0.5 hour within 1 + 0.5 same weekday)
//	recency    0.1 decaying linearly to 0 over 168h since last seen
//
// The result is clamped to [0, 1.1].
func ScorePattern(p *Pattern, recent []string, rc RequestContext, now time.Time) float64 {
	if p == nil || len(p.Sequence) < 2 {
		return 0
	}
	prefix := p.Prefix()

	var score float64
	overlap := commonSuffix(prefix, recent)
	if overlap == len(prefix) {
		score = exactMatchScore
	} else {
		score = partialMatchScore * float64(overlap) / float64(len(prefix))
	}

	score += math.Min(maxFrequencyBonus, float64(p.Frequency)/100)
	score += 0.1 * clamp(p.Confidence, 0, 1)
	score += 0.1 * contextMatch(p.Context, rc)

	if !p.LastSeen.IsZero() {
		hours := now.Sub(p.LastSeen).Hours()
		score += 0.1 * clamp(1-hours/recencyHorizon.Hours(), 0, 1)
	}
	return clamp(score, 0, maxScore)
}

// commonSuffix is the length of the longest shared tail of a and b.
func commonSuffix(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}

func contextMatch(pc PatternContext, rc RequestContext) float64 {
	if rc.Timestamp.IsZero() {
		return 0
	}
	ratio := 0.0
	if hourDistance(pc.Hour, rc.Timestamp.Hour()) <= 1 {
		ratio += 0.5
	}
	if pc.Weekday == rc.Timestamp.Weekday() {
		ratio += 0.5
	}
	return ratio
}

func hourDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, 24-d)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// State is the persisted form of the learned pattern set.
type State struct {
	Patterns []Pattern                 `json:"patterns"`
	Hourly   [24]map[string]int        `json:"hourly"`
	Daily    [7]map[string]int         `json:"daily"`
	ByType   map[string]map[string]int `json:"by_type"`
}

func (a *Analyzer) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := State{ByType: make(map[string]map[string]int, len(a.byType))}
	for _, p := range a.patterns {
		st.Patterns = append(st.Patterns, p.clone())
	}
	slices.SortFunc(st.Patterns, func(x, y Pattern) int {
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	for i := range a.hourly {
		st.Hourly[i] = copyCounts(a.hourly[i])
	}
	for i := range a.daily {
		st.Daily[i] = copyCounts(a.daily[i])
	}
	for qt, m := range a.byType {
		st.ByType[qt] = copyCounts(m)
	}
	return st
}

// Restore replaces learned state with st. Session histories and the request
// window are not persisted.
func (a *Analyzer) Restore(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.patterns = make(map[string]*Pattern, len(st.Patterns))
	for i := range st.Patterns {
		p := st.Patterns[i].clone()
		if len(p.Sequence) < 2 {
			continue
		}
		p.ID = patternID(p.Sequence)
		p.Confidence = clamp(p.Confidence, 0, 1)
		a.patterns[p.ID] = &p
	}
	for i := range a.hourly {
		a.hourly[i] = copyCounts(st.Hourly[i])
	}
	for i := range a.daily {
		a.daily[i] = copyCounts(st.Daily[i])
	}
	a.byType = make(map[string]map[string]int, len(st.ByType))
	a.typeTotal = make(map[string]int, len(st.ByType))
	for qt, m := range st.ByType {
		a.byType[qt] = copyCounts(m)
		for _, c := range m {
			a.typeTotal[qt] += c
		}
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
