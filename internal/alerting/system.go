package alerting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/logger"
	"github.com/mohammed-shakir/perfcore/internal/schedule"
)

var ErrAlertNotFound = errors.New("alert not found")

type Config struct {
	Calendar          Calendar
	FatigueLimit      int64
	FatigueDecayEvery time.Duration
	CorrelationWindow time.Duration
	HistoryCap        int
	HistoryTrimTo     int
	DeliveryTimeout   time.Duration
	DefaultDurations  map[string]time.Duration
	FallbackDuration  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Calendar:          DefaultCalendar(),
		FatigueLimit:      10,
		FatigueDecayEvery: time.Hour,
		CorrelationWindow: 30 * time.Minute,
		HistoryCap:        10000,
		HistoryTrimTo:     8000,
		DeliveryTimeout:   10 * time.Second,
		DefaultDurations: map[string]time.Duration{
			"database": 10 * time.Minute,
			"memory":   30 * time.Minute,
			"search":   5 * time.Minute,
			"system":   15 * time.Minute,
		},
		FallbackDuration: 15 * time.Minute,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Calendar.BusinessStart == 0 && c.Calendar.BusinessEnd == 0 {
		c.Calendar.BusinessStart, c.Calendar.BusinessEnd = d.Calendar.BusinessStart, d.Calendar.BusinessEnd
	}
	if c.FatigueLimit <= 0 {
		c.FatigueLimit = d.FatigueLimit
	}
	if c.FatigueDecayEvery <= 0 {
		c.FatigueDecayEvery = d.FatigueDecayEvery
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = d.CorrelationWindow
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = d.HistoryCap
	}
	if c.HistoryTrimTo <= 0 || c.HistoryTrimTo > c.HistoryCap {
		c.HistoryTrimTo = c.HistoryCap * 8 / 10
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.DefaultDurations == nil {
		c.DefaultDurations = d.DefaultDurations
	}
	if c.FallbackDuration <= 0 {
		c.FallbackDuration = d.FallbackDuration
	}
}

type Deps struct {
	Logger   *slog.Logger
	Load     capability.LoadProvider
	Activity ActivitySource
	History  HistorySource
}

// Feedback counts per alert kind since the last drain.
type Feedback struct {
	Alerts         int `json:"alerts"`
	FalsePositives int `json:"false_positives"`
	MissedIssues   int `json:"missed_issues"`
}

type System struct {
	log      *slog.Logger
	load     capability.LoadProvider
	activity ActivitySource
	history  HistorySource
	cfg      Config
	now      func() time.Time

	fatigue sync.Map // kind -> *atomic.Int64

	mu          sync.RWMutex
	calendar    Calendar
	maintenance bool
	active      map[string]*SmartAlert
	hist        []*SmartAlert
	patterns    map[string]*Pattern
	rules       []Rule
	routes      []*route
	delayed     map[string]*time.Timer
	feedback    map[string]*Feedback
	processed   int64
	suppressed  int64
	tasks       *schedule.Group
	closed      bool

	wg sync.WaitGroup
}

func New(cfg Config, d Deps) *System {
	cfg.normalize()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &System{
		log:      d.Logger.With("component", "alerting"),
		load:     d.Load,
		activity: d.Activity,
		history:  d.History,
		cfg:      cfg,
		now:      time.Now,
		calendar: cfg.Calendar,
		active:   make(map[string]*SmartAlert),
		patterns: make(map[string]*Pattern),
		delayed:  make(map[string]*time.Timer),
		feedback: make(map[string]*Feedback),
	}
}

// Start launches fatigue decay: every FatigueDecayEvery all scores halve.
func (s *System) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks != nil || s.closed {
		return
	}
	s.tasks = schedule.Start(s.log, schedule.Task{
		Name:  "fatigue-decay",
		Every: s.cfg.FatigueDecayEvery,
		Run:   func(context.Context) { s.DecayFatigue() },
	})
}

func (s *System) SetRules(rs []Rule) {
	cp := append([]Rule(nil), rs...)
	sortRules(cp)
	for _, r := range cp {
		if !r.Valid {
			s.log.Warn("suppression rule invalid, skipped", "rule", r.ID, "err", r.Error)
		}
	}
	s.mu.Lock()
	s.rules = cp
	s.mu.Unlock()
}

func (s *System) AddChannel(ch Channel, pol Policy) {
	s.mu.Lock()
	s.routes = append(s.routes, newRoute(ch, pol))
	s.mu.Unlock()
}

func (s *System) SetCalendar(c Calendar) {
	s.mu.Lock()
	s.calendar = c
	s.mu.Unlock()
}

// SetMaintenance forces maintenance mode on or off regardless of windows.
func (s *System) SetMaintenance(on bool) {
	s.mu.Lock()
	s.maintenance = on
	s.mu.Unlock()
}

func (s *System) counter(kind string) *atomic.Int64 {
	v, _ := s.fatigue.LoadOrStore(kind, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// ProcessAlert runs one violation through context gathering, severity
// adjustment, suppression, correlation, root-cause analysis and routing. It
// returns nil when the alert was suppressed.
func (s *System) ProcessAlert(ctx context.Context, category, metric string, value, threshold float64, sev Severity, message string) *SmartAlert {
	now := s.now()
	ac := s.gatherContext(ctx, category, metric, value, now)
	adjusted, reasons := adjustSeverity(sev.Clamp(), ac)

	a := &SmartAlert{
		ID:               uuid.NewString(),
		Category:         category,
		Metric:           metric,
		Value:            value,
		Threshold:        threshold,
		OriginalSeverity: sev.Clamp(),
		Severity:         adjusted,
		Message:          message,
		Context:          ac,
		CreatedAt:        now,
	}
	log := s.log
	ctx = logger.WithAlertID(ctx, a.ID)

	// Reserve a fatigue slot first so concurrent calls see distinct scores.
	fat := s.counter(a.Kind())
	score := fat.Add(1)

	s.mu.Lock()
	switch {
	case ac.Time.Maintenance:
		a.SuppressionReason = "maintenance window"
	case score > s.cfg.FatigueLimit && a.Severity != SeverityCritical:
		a.SuppressionReason = fmt.Sprintf("alert fatigue (%d recent %s alerts)", score-1, a.Kind())
	}
	var outcome ruleOutcome
	if a.SuppressionReason == "" {
		outcome = evaluateRules(s.rules, a)
		if outcome.suppressBy != "" {
			a.SuppressionReason = "rule " + outcome.suppressBy
		}
	}
	if a.SuppressionReason != "" {
		s.suppressed++
		s.mu.Unlock()
		fat.Add(-1)
		observability.IncAlert("suppressed", a.Severity.String())
		log.DebugContext(ctx, "alert suppressed", "kind", a.Kind(), "reason", a.SuppressionReason)
		return nil
	}
	if outcome.downgrades > 0 {
		a.Severity = (a.Severity - Severity(outcome.downgrades)).Clamp()
		reasons = append(reasons, "downgraded by rule")
		observability.IncAlert("downgraded", a.Severity.String())
	}
	for _, e := range outcome.enhance {
		a.Enhancement = e
		a.Insights = append(a.Insights, e)
	}

	s.correlateLocked(a, now)
	a.RootCause = rootCause(a, s.correlatedLocked(a))
	pat := s.patterns[a.Kind()]
	a.Insights = append(a.Insights, insights(a, pat)...)
	a.PredictedDuration = s.predictDurationLocked(a, pat)

	s.active[a.ID] = a
	s.appendHistoryLocked(a)
	s.updatePatternLocked(a, now)
	if fb := s.feedbackLocked(a.Kind()); fb != nil {
		fb.Alerts++
	}
	s.processed++
	out := a.clone()
	routes := append([]*route(nil), s.routes...)
	closed := s.closed
	if !closed && outcome.delay > 0 {
		id := a.ID
		s.delayed[id] = time.AfterFunc(outcome.delay, func() { s.deliverDelayed(id) })
	}
	deliverNow := !closed && outcome.delay == 0
	if deliverNow {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	observability.IncAlert("processed", a.Severity.String())
	log.InfoContext(ctx, "alert raised",
		"kind", a.Kind(),
		"severity", a.Severity.String(),
		"original", a.OriginalSeverity.String(),
		"adjusted_for", reasons,
		"correlated", len(a.CorrelatedAlerts))

	if deliverNow {
		s.deliver(out, routes)
	}
	return out
}

func (s *System) deliverDelayed(id string) {
	s.mu.Lock()
	delete(s.delayed, id)
	a, ok := s.active[id]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	out := a.clone()
	routes := append([]*route(nil), s.routes...)
	s.wg.Add(1)
	s.mu.Unlock()
	s.deliver(out, routes)
}

// deliver sends a to every admitting channel concurrently. A failing channel
// never blocks the others. The caller must have added one to s.wg while
// holding s.mu and seeing the system open; deliver releases it.
func (s *System) deliver(a *SmartAlert, routes []*route) {
	defer s.wg.Done()
	now := s.now()
	for _, r := range routes {
		if reason := r.admit(a, now); reason != "" {
			outcome := "filtered"
			if reason == "rate_limited" {
				outcome = "rate_limited"
			}
			observability.IncAlert(outcome, a.Severity.String())
			continue
		}
		s.wg.Add(1)
		go func(r *route) {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
			defer cancel()
			err := r.ch.Send(logger.WithAlertID(ctx, a.ID), a)
			r.record(err, s.now())
			if err != nil {
				observability.IncAlert("failed", a.Severity.String())
				s.log.Warn("alert delivery failed", "channel", r.ch.ID(), "alert_id", a.ID, "err", err)
				return
			}
			observability.IncAlert("delivered", a.Severity.String())
		}(r)
	}
}

func (s *System) appendHistoryLocked(a *SmartAlert) {
	s.hist = append(s.hist, a)
	if len(s.hist) > s.cfg.HistoryCap {
		drop := len(s.hist) - s.cfg.HistoryTrimTo
		s.hist = append([]*SmartAlert(nil), s.hist[drop:]...)
	}
}

func (s *System) updatePatternLocked(a *SmartAlert, now time.Time) {
	p := s.patterns[a.Kind()]
	if p == nil {
		p = &Pattern{Kind: a.Kind(), Weekly: map[string]int{}}
		s.patterns[a.Kind()] = p
	}
	p.Frequency++
	p.Hourly[now.Hour()]++
	p.Daily[int(now.Weekday())]++
	y, w := now.ISOWeek()
	p.Weekly[fmt.Sprintf("%d-W%02d", y, w)]++
	p.LastSeen = now
	if a.RootCause != nil {
		found := false
		for i := range p.CommonCauses {
			if p.CommonCauses[i].Cause == a.RootCause.SuspectedCause {
				p.CommonCauses[i].Count++
				found = true
				break
			}
		}
		if !found {
			p.CommonCauses = append(p.CommonCauses, CauseCount{Cause: a.RootCause.SuspectedCause, Count: 1})
		}
		sort.SliceStable(p.CommonCauses, func(i, j int) bool { return p.CommonCauses[i].Count > p.CommonCauses[j].Count })
	}
}

func (s *System) predictDurationLocked(a *SmartAlert, p *Pattern) time.Duration {
	if p != nil && p.TypicalDuration > 0 {
		return p.TypicalDuration
	}
	if d, ok := s.cfg.DefaultDurations[a.Category]; ok {
		return d
	}
	return s.cfg.FallbackDuration
}

func (s *System) feedbackLocked(kind string) *Feedback {
	fb := s.feedback[kind]
	if fb == nil {
		fb = &Feedback{}
		s.feedback[kind] = fb
	}
	return fb
}

// ResolveAlert removes id from the active set. It reports false when id is
// not active.
func (s *System) ResolveAlert(id string) bool {
	now := s.now()
	s.mu.Lock()
	a, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.resolveLocked(a, now)
	s.mu.Unlock()
	s.log.Info("alert resolved", "alert_id", id, "kind", a.Kind())
	return true
}

func (s *System) resolveLocked(a *SmartAlert, now time.Time) {
	delete(s.active, a.ID)
	if t, ok := s.delayed[a.ID]; ok {
		t.Stop()
		delete(s.delayed, a.ID)
	}
	a.ResolvedAt = &now

	fat := s.counter(a.Kind())
	for {
		cur := fat.Load()
		if cur <= 0 || fat.CompareAndSwap(cur, cur-1) {
			break
		}
	}

	if p := s.patterns[a.Kind()]; p != nil {
		d := now.Sub(a.CreatedAt)
		if p.TypicalDuration <= 0 {
			p.TypicalDuration = d
		} else {
			p.TypicalDuration += time.Duration(0.2 * float64(d-p.TypicalDuration))
		}
	}
}

// AutoResolve resolves every active alert of the given kind and returns how
// many were resolved.
func (s *System) AutoResolve(category, metric string) int {
	kind := kindKey(category, metric)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.active {
		if a.Kind() == kind {
			s.resolveLocked(a, now)
			n++
		}
	}
	return n
}

func (s *System) AcknowledgeAlert(id string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.AcknowledgedAt = &now
	return nil
}

// ReportAlertFeedback marks an alert, active or historical, as a true or
// false positive.
func (s *System) ReportAlertFeedback(id string, falsePositive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		for i := len(s.hist) - 1; i >= 0; i-- {
			if s.hist[i].ID == id {
				a, ok = s.hist[i], true
				break
			}
		}
	}
	if !ok {
		return ErrAlertNotFound
	}
	if a.FalsePositive != nil && *a.FalsePositive == falsePositive {
		return nil
	}
	fb := s.feedbackLocked(a.Kind())
	if a.FalsePositive != nil && *a.FalsePositive {
		fb.FalsePositives--
	}
	if falsePositive {
		fb.FalsePositives++
	}
	a.FalsePositive = &falsePositive
	return nil
}

// ReportMissedIssue records an issue of the given kind that raised no alert.
func (s *System) ReportMissedIssue(category, metric string) {
	s.mu.Lock()
	s.feedbackLocked(kindKey(category, metric)).MissedIssues++
	s.mu.Unlock()
}

// DrainFeedback returns the per-kind feedback counters and resets them.
func (s *System) DrainFeedback() map[string]Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Feedback, len(s.feedback))
	for k, fb := range s.feedback {
		if *fb != (Feedback{}) {
			out[k] = *fb
		}
	}
	s.feedback = make(map[string]*Feedback)
	return out
}

// DecayFatigue halves every fatigue score.
func (s *System) DecayFatigue() {
	s.fatigue.Range(func(_, v any) bool {
		c := v.(*atomic.Int64)
		for {
			cur := c.Load()
			if c.CompareAndSwap(cur, cur/2) {
				break
			}
		}
		return true
	})
}

func (s *System) FatigueScores() map[string]int64 {
	out := map[string]int64{}
	s.fatigue.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n > 0 {
			out[k.(string)] = n
		}
		return true
	})
	return out
}

func (s *System) Alert(id string) (*SmartAlert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.active[id]; ok {
		return a.clone(), true
	}
	for i := len(s.hist) - 1; i >= 0; i-- {
		if s.hist[i].ID == id {
			return s.hist[i].clone(), true
		}
	}
	return nil, false
}

// ActiveAlerts returns the active alerts, newest first.
func (s *System) ActiveAlerts() []*SmartAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SmartAlert, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *System) HistorySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hist)
}

type Status struct {
	ActiveCount int                `json:"active_count"`
	Active      []*SmartAlert      `json:"active"`
	TopPatterns []Pattern          `json:"top_patterns"`
	Channels    []ChannelHealth    `json:"channels"`
	Rules       []Rule             `json:"rules"`
	Fatigue     map[string]int64   `json:"fatigue"`
	Processed   int64              `json:"processed"`
	Suppressed  int64              `json:"suppressed"`
	HistorySize int                `json:"history_size"`
	Maintenance bool               `json:"maintenance"`
	Feedback    map[string]Feedback `json:"feedback"`
}

func (s *System) Status() Status {
	active := s.ActiveAlerts()
	s.mu.RLock()
	st := Status{
		ActiveCount: len(active),
		Active:      active,
		Rules:       append([]Rule(nil), s.rules...),
		Processed:   s.processed,
		Suppressed:  s.suppressed,
		HistorySize: len(s.hist),
		Maintenance: s.maintenance || s.calendar.InMaintenance(s.now()),
		Feedback:    map[string]Feedback{},
	}
	for _, p := range s.patterns {
		cp := *p
		cp.CommonCauses = append([]CauseCount(nil), p.CommonCauses...)
		cp.Weekly = make(map[string]int, len(p.Weekly))
		for k, v := range p.Weekly {
			cp.Weekly[k] = v
		}
		st.TopPatterns = append(st.TopPatterns, cp)
	}
	for k, fb := range s.feedback {
		st.Feedback[k] = *fb
	}
	routes := append([]*route(nil), s.routes...)
	s.mu.RUnlock()

	sort.Slice(st.TopPatterns, func(i, j int) bool {
		if st.TopPatterns[i].Frequency != st.TopPatterns[j].Frequency {
			return st.TopPatterns[i].Frequency > st.TopPatterns[j].Frequency
		}
		return st.TopPatterns[i].Kind < st.TopPatterns[j].Kind
	})
	if len(st.TopPatterns) > 10 {
		st.TopPatterns = st.TopPatterns[:10]
	}
	for _, r := range routes {
		st.Channels = append(st.Channels, r.snapshot())
	}
	st.Fatigue = s.FatigueScores()
	return st
}

// Shutdown stops fatigue decay and pending delayed routing, waits for
// in-flight deliveries and closes channels that hold resources.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	t := s.tasks
	s.tasks = nil
	for id, tm := range s.delayed {
		tm.Stop()
		delete(s.delayed, id)
	}
	routes := append([]*route(nil), s.routes...)
	s.mu.Unlock()
	t.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("alert delivery drain: %w", ctx.Err()))
	}
	for _, r := range routes {
		if c, ok := r.ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *System) Calendar() Calendar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calendar
}
