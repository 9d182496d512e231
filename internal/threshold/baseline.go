package threshold

import (
	"math"
	"slices"
	"time"
)

// Baseline is the running summary of one metric. Mean and variance are
// exponentially smoothed. Percentiles are approximate: every PercentileEvery
// observations they are recomputed from a bounded sample ring, and the upper
// tail is never reported below the normal estimate mean + zσ.
type Baseline struct {
	Category    string    `json:"category"`
	Metric      string    `json:"metric"`
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	P50         float64   `json:"p50"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
	Samples     []float64 `json:"samples,omitempty"`

	variance float64
	next     int
}

func (b *Baseline) clone() Baseline {
	cp := *b
	cp.Samples = slices.Clone(b.Samples)
	return cp
}

// observe folds v in. The smoothing weight is 1/n capped at maxWeight.
func (b *Baseline) observe(v float64, at time.Time, window, percentileEvery int, maxWeight float64) {
	b.Count++
	b.LastUpdated = at
	if b.Count == 1 {
		b.Mean = v
		b.variance = 0
	} else {
		w := math.Min(1/float64(b.Count), maxWeight)
		d := v - b.Mean
		b.Mean += w * d
		b.variance = (1 - w) * (b.variance + w*d*d)
	}
	b.StdDev = math.Sqrt(b.variance)

	if len(b.Samples) < window {
		b.Samples = append(b.Samples, v)
	} else {
		b.Samples[b.next] = v
		b.next = (b.next + 1) % window
	}
	if b.Count == 1 || b.Count%percentileEvery == 0 {
		b.refreshPercentiles()
	}
}

// One-sided normal quantiles for the upper-tail estimate.
const (
	z95 = 1.645
	z99 = 2.326
)

func (b *Baseline) refreshPercentiles() {
	s := slices.Clone(b.Samples)
	slices.Sort(s)
	b.P50 = percentile(s, 0.50)
	b.P95 = math.Max(percentile(s, 0.95), b.Mean+z95*b.StdDev)
	b.P99 = math.Max(percentile(s, 0.99), b.Mean+z99*b.StdDev)
}

// restored rebuilds unexported fields after decoding.
func (b *Baseline) restored(window int) {
	b.variance = b.StdDev * b.StdDev
	if len(b.Samples) > window {
		b.Samples = slices.Clone(b.Samples[len(b.Samples)-window:])
	}
	b.next = 0
	if len(b.Samples) == window {
		b.next = b.Count % window
	}
}

// percentile is nearest-rank over sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
