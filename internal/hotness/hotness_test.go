package hotness

import (
	"math"
	"testing"
)

func TestBoost(t *testing.T) {
	cases := []struct{ score, want float64 }{
		{-1, 0},
		{0, 0},
		{5, 0.1},
		{10, 0.2},
		{50, 0.2},
	}
	for _, c := range cases {
		if got := Boost(c.score); math.Abs(got-c.want) > 1e-12 {
			t.Fatalf("Boost(%v)=%v want %v", c.score, got, c.want)
		}
	}
}
