// Package metricswrap decorates a hotness tracker with the hot-key gauge and
// sampled threshold logging.
package metricswrap

import (
	"fmt"
	"log/slog"

	xx "github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/hotness"
)

type Sizer interface{ Size() int }

type Options struct {
	Tier string
	// HotThreshold enables the "hot key" log line when > 0.
	HotThreshold float64
	// LogSample is the fraction of keys (by hash) that may log, in [0,1].
	LogSample float64
	Logger    *slog.Logger
}

type WithMetrics struct {
	inner hotness.Interface
	opts  Options
}

var _ hotness.Interface = (*WithMetrics)(nil)

func New(inner hotness.Interface, opts Options) *WithMetrics {
	if opts.Tier == "" {
		opts.Tier = "keys"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WithMetrics{inner: inner, opts: opts}
}

func (w *WithMetrics) Inc(key string) {
	w.inner.Inc(key)
	if w.opts.HotThreshold > 0 {
		score := w.inner.Score(key)
		if score >= w.opts.HotThreshold && shouldLog(w.opts.LogSample, key) {
			w.opts.Logger.Info("hot key above threshold",
				"event", "hotness_threshold",
				"score", score,
				"tier", w.opts.Tier,
				"key_hash", fmt.Sprintf("%08x", xx.Sum64String(key)),
			)
		}
	}
	w.publishSize()
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	w.publishSize()
}

// Inner exposes the wrapped tracker.
func (w *WithMetrics) Inner() hotness.Interface { return w.inner }

func (w *WithMetrics) publishSize() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeysGauge(w.opts.Tier, s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	return (xx.Sum64String(key) % denom) < threshold
}
