// Package usage learns which cache keys are requested together, when, and in
// which query contexts.
package usage

import (
	"strings"
	"time"
)

// RequestContext describes one cache request. Zero fields are treated as
// absent.
type RequestContext struct {
	QueryType  string            `json:"query_type,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	SystemLoad float64           `json:"system_load,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type PatternContext struct {
	Hour       int          `json:"hour"`
	Weekday    time.Weekday `json:"weekday"`
	QueryTypes []string     `json:"query_types,omitempty"`
	HourCounts [24]int      `json:"hour_counts"`
	DayCounts  [7]int       `json:"day_counts"`
}

// Pattern is an ordered key sequence observed within a session.
type Pattern struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Sequence   []string       `json:"sequence"`
	Frequency  int            `json:"frequency"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	Confidence float64        `json:"confidence"`
	Context    PatternContext `json:"context"`
}

// Prefix is every key but the last; Next is the key the pattern predicts.
func (p *Pattern) Prefix() []string { return p.Sequence[:len(p.Sequence)-1] }
func (p *Pattern) Next() string     { return p.Sequence[len(p.Sequence)-1] }

func (p *Pattern) clone() Pattern {
	cp := *p
	cp.Sequence = append([]string(nil), p.Sequence...)
	cp.Context.QueryTypes = append([]string(nil), p.Context.QueryTypes...)
	return cp
}

type ScoredPattern struct {
	Pattern Pattern `json:"pattern"`
	Score   float64 `json:"score"`
}

type KeyFrequency struct {
	Key       string  `json:"key"`
	Count     int     `json:"count"`
	Ratio     float64 `json:"ratio"`
	QueryType string  `json:"query_type,omitempty"`
}

// Session is a read-only view of one session's recent activity.
type Session struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Keys       []string  `json:"keys"`
	QueryTypes []string  `json:"query_types,omitempty"`
	LastActive time.Time `json:"last_active"`
}

type Activity struct {
	Requests   int            `json:"requests"`
	UniqueKeys int            `json:"unique_keys"`
	Sessions   int            `json:"sessions"`
	TopKeys    []KeyFrequency `json:"top_keys"`
}

func patternID(seq []string) string { return strings.Join(seq, "->") }
