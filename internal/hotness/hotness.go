// Package hotness tracks how often cache keys are requested, decayed over time.
package hotness

type Interface interface {
	Inc(key string)
	Score(key string) float64
	Reset(keys ...string)
}

// Boost converts a hotness score into the additive priority bonus applied to
// predictions: min(1, score/10) * 0.2.
func Boost(score float64) float64 {
	if score <= 0 {
		return 0
	}
	return min(1, score/10) * 0.2
}
