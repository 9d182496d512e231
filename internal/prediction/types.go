// Package prediction turns learned usage patterns into ranked cache-key
// predictions using four independent heuristics.
package prediction

import (
	"strings"
	"time"
)

type ModelType string

const (
	Sequence      ModelType = "sequence"
	Temporal      ModelType = "temporal"
	Contextual    ModelType = "contextual"
	Collaborative ModelType = "collaborative"
)

var ModelTypes = []ModelType{Sequence, Temporal, Contextual, Collaborative}

// Model holds the rolling accuracy of one heuristic.
type Model struct {
	Type            ModelType          `json:"type"`
	Enabled         bool               `json:"enabled"`
	Accuracy        float64            `json:"accuracy"`
	TrainingSamples int                `json:"training_samples"`
	LastTrained     time.Time          `json:"last_trained"`
	Parameters      map[string]float64 `json:"parameters,omitempty"`
}

// Context is the request-side view predictions are generated for.
type Context struct {
	SessionID  string    `json:"session_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	RecentKeys []string  `json:"recent_keys,omitempty"`
	QueryTypes []string  `json:"query_types,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	SystemLoad float64   `json:"system_load,omitempty"`
}

type Prediction struct {
	Key        string    `json:"key"`
	Model      ModelType `json:"model"`
	Confidence float64   `json:"confidence"`
	Priority   float64   `json:"priority"`
	Value      float64   `json:"value"`
	Context    Context   `json:"context"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Rank is the ordering score: priority x confidence x value.
func (p Prediction) Rank() float64 { return p.Priority * p.Confidence * p.Value }

func (p Prediction) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

type TrainingRecord struct {
	Key        string    `json:"key"`
	Model      ModelType `json:"model"`
	Confidence float64   `json:"confidence"`
	Accurate   bool      `json:"accurate"`
	At         time.Time `json:"at"`
}

var valueMarkers = []struct {
	match  func(key string, tokens map[string]struct{}) bool
	weight float64
}{
	{func(k string, _ map[string]struct{}) bool { return strings.Contains(k, "flow") }, 3},
	{func(k string, t map[string]struct{}) bool {
		return strings.Contains(k, "knowledge_gap") || strings.Contains(k, "knowledge-gap") || has(t, "gap", "gaps")
	}, 2.5},
	{func(k string, _ map[string]struct{}) bool { return strings.Contains(k, "productivity") }, 2},
	{func(k string, _ map[string]struct{}) bool { return strings.Contains(k, "search") }, 1.5},
	{func(k string, t map[string]struct{}) bool { return strings.Contains(k, "batch") || has(t, "all") }, 2},
}

// EstimateValue is the cost-savings heuristic for warming key: 1, multiplied
// by the weight of every expensive-operation marker present.
func EstimateValue(key string) float64 {
	k := strings.ToLower(key)
	tokens := tokenize(k)
	v := 1.0
	for _, m := range valueMarkers {
		if m.match(k, tokens) {
			v *= m.weight
		}
	}
	return v
}

func tokenize(k string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(k, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		out[f] = struct{}{}
	}
	return out
}

func has(tokens map[string]struct{}, words ...string) bool {
	for _, w := range words {
		if _, ok := tokens[w]; ok {
			return true
		}
	}
	return false
}
