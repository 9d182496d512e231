package usage

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
)

type Config struct {
	Window              time.Duration
	MaxWindowRequests   int
	MinSequenceLen      int
	MaxSequenceLen      int
	SessionHistory      int
	MaxSessions         int
	PredictionThreshold float64
	MaxResults          int
	MinFrequency        int
	StaleAfter          time.Duration
	MaxPatterns         int
	// MaxBucketKeys bounds each hour/day/query-type counter bucket on cleanup.
	MaxBucketKeys int
}

func DefaultConfig() Config {
	return Config{
		Window:              24 * time.Hour,
		MaxWindowRequests:   100_000,
		MinSequenceLen:      2,
		MaxSequenceLen:      5,
		SessionHistory:      50,
		MaxSessions:         10_000,
		PredictionThreshold: 0.4,
		MaxResults:          10,
		MinFrequency:        2,
		StaleAfter:          30 * 24 * time.Hour,
		MaxPatterns:         10_000,
		MaxBucketKeys:       500,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxWindowRequests <= 0 {
		c.MaxWindowRequests = d.MaxWindowRequests
	}
	if c.MinSequenceLen < 2 {
		c.MinSequenceLen = d.MinSequenceLen
	}
	if c.MaxSequenceLen < c.MinSequenceLen {
		c.MaxSequenceLen = max(d.MaxSequenceLen, c.MinSequenceLen)
	}
	if c.SessionHistory < c.MaxSequenceLen {
		c.SessionHistory = max(d.SessionHistory, c.MaxSequenceLen)
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.PredictionThreshold <= 0 {
		c.PredictionThreshold = d.PredictionThreshold
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.MinFrequency <= 0 {
		c.MinFrequency = d.MinFrequency
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxPatterns <= 0 {
		c.MaxPatterns = d.MaxPatterns
	}
	if c.MaxBucketKeys <= 0 {
		c.MaxBucketKeys = d.MaxBucketKeys
	}
}

type request struct {
	key     string
	session string
	at      time.Time
}

type session struct {
	userID     string
	keys       []string
	queryTypes map[string]struct{}
	lastActive time.Time
}

type Analyzer struct {
	log *slog.Logger
	now func() time.Time

	mu        sync.RWMutex
	cfg       Config
	window    []request
	sessions  *lru.Cache[string, *session]
	patterns  map[string]*Pattern
	hourly    [24]map[string]int
	daily     [7]map[string]int
	byType    map[string]map[string]int
	typeTotal map[string]int
}

func New(cfg Config, log *slog.Logger) *Analyzer {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	sessions, _ := lru.New[string, *session](cfg.MaxSessions)
	a := &Analyzer{
		log:       log,
		now:       time.Now,
		cfg:       cfg,
		sessions:  sessions,
		patterns:  make(map[string]*Pattern),
		byType:    make(map[string]map[string]int),
		typeTotal: make(map[string]int),
	}
	for i := range a.hourly {
		a.hourly[i] = make(map[string]int)
	}
	for i := range a.daily {
		a.daily[i] = make(map[string]int)
	}
	return a
}

// SetPredictionThreshold changes the minimum score PredictivePatterns returns.
func (a *Analyzer) SetPredictionThreshold(v float64) {
	if v <= 0 {
		return
	}
	a.mu.Lock()
	a.cfg.PredictionThreshold = v
	a.mu.Unlock()
}

// RecordRequest appends the request to the sliding window and to the
// session history, then folds every sequence of length 2..5 ending at this
// request into the pattern set.
func (a *Analyzer) RecordRequest(key, sessionID string, rc RequestContext) {
	if key == "" {
		return
	}
	if sessionID == "" {
		sessionID = "anonymous"
	}
	ts := rc.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.window = append(a.window, request{key: key, session: sessionID, at: ts})
	a.trimWindowLocked(a.now())

	s, ok := a.sessions.Get(sessionID)
	if !ok {
		s = &session{queryTypes: map[string]struct{}{}}
		a.sessions.Add(sessionID, s)
	}
	if rc.UserID != "" {
		s.userID = rc.UserID
	}
	if rc.QueryType != "" {
		s.queryTypes[rc.QueryType] = struct{}{}
	}
	s.lastActive = ts
	s.keys = append(s.keys, key)
	if over := len(s.keys) - a.cfg.SessionHistory; over > 0 {
		s.keys = slices.Clone(s.keys[over:])
	}

	a.hourly[ts.Hour()][key]++
	a.daily[int(ts.Weekday())][key]++
	if rc.QueryType != "" {
		m := a.byType[rc.QueryType]
		if m == nil {
			m = make(map[string]int)
			a.byType[rc.QueryType] = m
		}
		m[key]++
		a.typeTotal[rc.QueryType]++
	}

	owner := rc.UserID
	if owner == "" {
		owner = s.userID
	}
	if owner == "" {
		owner = sessionID
	}
	a.extractLocked(s, owner, rc.QueryType, ts)
	observability.SetPatternCount(len(a.patterns))
}

func (a *Analyzer) extractLocked(s *session, owner, queryType string, ts time.Time) {
	n := len(s.keys)
	for l := a.cfg.MinSequenceLen; l <= a.cfg.MaxSequenceLen && l <= n; l++ {
		seq := s.keys[n-l:]
		id := patternID(seq)
		p, ok := a.patterns[id]
		if !ok {
			if len(a.patterns) >= a.cfg.MaxPatterns {
				a.evictOneLocked()
			}
			p = &Pattern{
				ID:         id,
				Owner:      owner,
				Sequence:   slices.Clone(seq),
				FirstSeen:  ts,
				Confidence: 0.1,
			}
			a.patterns[id] = p
		} else {
			p.Confidence = clamp(p.Confidence+0.1, 0, 1)
		}
		p.Frequency++
		if ts.After(p.LastSeen) {
			p.LastSeen = ts
		}
		p.Context.HourCounts[ts.Hour()]++
		p.Context.DayCounts[int(ts.Weekday())]++
		p.Context.Hour = argmax(p.Context.HourCounts[:])
		p.Context.Weekday = time.Weekday(argmax(p.Context.DayCounts[:]))
		if queryType != "" && !slices.Contains(p.Context.QueryTypes, queryType) {
			p.Context.QueryTypes = append(p.Context.QueryTypes, queryType)
		}
	}
}

// PredictivePatterns scores every pattern against the tail of recent and
// returns the best MaxResults scoring above the prediction threshold.
func (a *Analyzer) PredictivePatterns(recent []string, rc RequestContext) []ScoredPattern {
	now := a.now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []ScoredPattern
	for _, p := range a.patterns {
		score := ScorePattern(p, recent, rc, now)
		if score > a.cfg.PredictionThreshold {
			out = append(out, ScoredPattern{Pattern: p.clone(), Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Pattern.ID < out[j].Pattern.ID
		}
		return out[i].Score > out[j].Score
	})
	if len(out) > a.cfg.MaxResults {
		out = out[:a.cfg.MaxResults]
	}
	return out
}

// TemporalKeys returns the keys most often requested at t's hour and weekday,
// ranked by their share of requests in those buckets.
func (a *Analyzer) TemporalKeys(t time.Time, limit int) []KeyFrequency {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := map[string]int{}
	total := 0
	for k, c := range a.hourly[t.Hour()] {
		counts[k] += c
		total += c
	}
	for k, c := range a.daily[int(t.Weekday())] {
		counts[k] += c
		total += c
	}
	return rank(counts, total, "", limit)
}

// ContextualKeys returns, per query type, the keys most requested under it.
func (a *Analyzer) ContextualKeys(queryTypes []string, limit int) []KeyFrequency {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []KeyFrequency
	for _, qt := range queryTypes {
		out = append(out, rank(a.byType[qt], a.typeTotal[qt], qt, limit)...)
	}
	return out
}

// ActiveSessions returns sessions active at or after since, newest first.
func (a *Analyzer) ActiveSessions(since time.Time) []Session {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Session
	for _, id := range a.sessions.Keys() {
		s, ok := a.sessions.Peek(id)
		if !ok || s.lastActive.Before(since) {
			continue
		}
		qts := make([]string, 0, len(s.queryTypes))
		for qt := range s.queryTypes {
			qts = append(qts, qt)
		}
		sort.Strings(qts)
		out = append(out, Session{
			ID:         id,
			UserID:     s.userID,
			Keys:       slices.Clone(s.keys),
			QueryTypes: qts,
			LastActive: s.lastActive,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	return out
}

func (a *Analyzer) RecentActivity(topN int) Activity {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := map[string]int{}
	sessions := map[string]struct{}{}
	for _, r := range a.window {
		counts[r.key]++
		sessions[r.session] = struct{}{}
	}
	return Activity{
		Requests:   len(a.window),
		UniqueKeys: len(counts),
		Sessions:   len(sessions),
		TopKeys:    rank(counts, len(a.window), "", topN),
	}
}

func (a *Analyzer) PatternCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.patterns)
}

// Patterns returns copies of the stored patterns, most frequent first.
func (a *Analyzer) Patterns(limit int) []Pattern {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Pattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency == out[j].Frequency {
			return out[i].ID < out[j].ID
		}
		return out[i].Frequency > out[j].Frequency
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cleanup drops stale low-frequency patterns, enforces the pattern cap, trims
// the request window and bounds the counter buckets. It returns the number of
// patterns removed.
func (a *Analyzer) Cleanup() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, p := range a.patterns {
		if now.Sub(p.LastSeen) > a.cfg.StaleAfter && p.Frequency < a.cfg.MinFrequency {
			delete(a.patterns, id)
			removed++
		}
	}
	for len(a.patterns) > a.cfg.MaxPatterns {
		a.evictOneLocked()
		removed++
	}
	a.trimWindowLocked(now)
	for i := range a.hourly {
		a.hourly[i] = topBucket(a.hourly[i], a.cfg.MaxBucketKeys)
	}
	for i := range a.daily {
		a.daily[i] = topBucket(a.daily[i], a.cfg.MaxBucketKeys)
	}
	for qt, m := range a.byType {
		a.byType[qt] = topBucket(m, a.cfg.MaxBucketKeys)
	}
	observability.SetPatternCount(len(a.patterns))
	if removed > 0 {
		a.log.Debug("usage patterns pruned", "removed", removed, "remaining", len(a.patterns))
	}
	return removed
}

// evictOneLocked removes the least valuable pattern: lowest frequency, then
// oldest last-seen.
func (a *Analyzer) evictOneLocked() {
	var victim *Pattern
	for _, p := range a.patterns {
		if victim == nil ||
			p.Frequency < victim.Frequency ||
			(p.Frequency == victim.Frequency && p.LastSeen.Before(victim.LastSeen)) {
			victim = p
		}
	}
	if victim != nil {
		delete(a.patterns, victim.ID)
	}
}

func (a *Analyzer) trimWindowLocked(now time.Time) {
	cut := now.Add(-a.cfg.Window)
	i := 0
	for i < len(a.window) && a.window[i].at.Before(cut) {
		i++
	}
	if over := len(a.window) - i - a.cfg.MaxWindowRequests; over > 0 {
		i += over
	}
	if i > 0 {
		a.window = slices.Clone(a.window[i:])
	}
}

func rank(counts map[string]int, total int, queryType string, limit int) []KeyFrequency {
	if total <= 0 || len(counts) == 0 {
		return nil
	}
	out := make([]KeyFrequency, 0, len(counts))
	for k, c := range counts {
		out = append(out, KeyFrequency{Key: k, Count: c, Ratio: float64(c) / float64(total), QueryType: queryType})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topBucket(m map[string]int, limit int) map[string]int {
	if len(m) <= limit {
		return m
	}
	ranked := rank(m, 1, "", limit)
	out := make(map[string]int, len(ranked))
	for _, kf := range ranked {
		out[kf.Key] = kf.Count
	}
	return out
}

func argmax(xs []int) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}
