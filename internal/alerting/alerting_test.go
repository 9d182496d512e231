package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/perfcore/internal/capability"
)

// Wednesday, inside default business hours.
var wed10 = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

type capture struct {
	name string
	err  error
	mu   sync.Mutex
	got  []*SmartAlert
}

func (c *capture) ID() string   { return c.name }
func (c *capture) Kind() string { return "capture" }
func (c *capture) Send(_ context.Context, a *SmartAlert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
	return c.err
}

func (c *capture) alerts() []*SmartAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SmartAlert(nil), c.got...)
}

type fixedHistory struct{ mean, sd float64 }

func (h fixedHistory) Baseline(string, string) (float64, float64, bool) { return h.mean, h.sd, true }

func newSystem(t *testing.T, d Deps) (*System, *time.Time) {
	t.Helper()
	s := New(Config{}, d)
	now := wed10
	s.now = func() time.Time { return now }
	return s, &now
}

func drain(t *testing.T, s *System) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestProcessAlert_BusinessHoursLoad(t *testing.T) {
	for _, tc := range []struct {
		name  string
		load  capability.Static
		value float64
		thr   float64
		want  Severity
	}{
		{"moderate load keeps severity", capability.Static{CPU: 0.5, Memory: 0.5}, 2500, 1000, SeverityHigh},
		{"high cpu escalates", capability.Static{CPU: 0.95, Memory: 0.5}, 1200, 200, SeverityCritical},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newSystem(t, Deps{Load: tc.load})

			a := s.ProcessAlert(context.Background(), "search", "fts_test", tc.value, tc.thr, SeverityHigh, "slow fts")
			require.NotNil(t, a)
			assert.Equal(t, tc.want, a.Severity)
			assert.Equal(t, SeverityHigh, a.OriginalSeverity)
			assert.True(t, a.Context.Time.BusinessHours)
			assert.False(t, a.Context.Time.Maintenance)
			assert.Empty(t, a.SuppressionReason)
			assert.Equal(t, 5*time.Minute, a.PredictedDuration)
		})
	}
}

func TestProcessAlert_TypicalValueOffHoursIsDowngraded(t *testing.T) {
	s, now := newSystem(t, Deps{History: fixedHistory{mean: 100, sd: 10}})
	*now = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

	a := s.ProcessAlert(context.Background(), "database", "query_duration", 105, 100, SeverityHigh, "")
	require.NotNil(t, a)
	assert.Equal(t, SeverityLow, a.Severity)
	assert.True(t, a.Context.Historical.Known)
	assert.InDelta(t, 0.69, a.Context.Historical.PercentileRank, 0.01)
}

func TestProcessAlert_CascadeCorrelatesAndBlamesDatabase(t *testing.T) {
	s, now := newSystem(t, Deps{})
	ctx := context.Background()

	db := s.ProcessAlert(ctx, "database", "query_duration", 450, 100, SeverityHigh, "")
	require.NotNil(t, db)
	assert.Nil(t, db.RootCause)

	*now = now.Add(2 * time.Minute)
	mem := s.ProcessAlert(ctx, "memory", "heap_usage", 0.93, 0.8, SeverityMedium, "")
	require.NotNil(t, mem)
	assert.Equal(t, []string{db.ID}, mem.CorrelatedAlerts)
	require.NotNil(t, mem.RootCause)
	assert.Contains(t, mem.RootCause.SuspectedCause, "database")
	assert.InDelta(t, 0.8, mem.RootCause.Confidence, 1e-9)

	stored, ok := s.Alert(db.ID)
	require.True(t, ok)
	assert.Equal(t, []string{mem.ID}, stored.CorrelatedAlerts)
}

func TestProcessAlert_OutsideWindowNotCorrelated(t *testing.T) {
	s, now := newSystem(t, Deps{})
	ctx := context.Background()

	require.NotNil(t, s.ProcessAlert(ctx, "database", "query_duration", 450, 100, SeverityHigh, ""))
	*now = now.Add(31 * time.Minute)
	mem := s.ProcessAlert(ctx, "memory", "heap_usage", 0.93, 0.8, SeverityMedium, "")
	require.NotNil(t, mem)
	assert.Empty(t, mem.CorrelatedAlerts)
	assert.Nil(t, mem.RootCause)
}

func TestProcessAlert_ManyCorrelatedIsCascadingFailure(t *testing.T) {
	s, now := newSystem(t, Deps{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NotNil(t, s.ProcessAlert(ctx, "system", "cpu_usage", 0.95, 0.8, SeverityMedium, ""))
		*now = now.Add(time.Minute)
	}
	a := s.ProcessAlert(ctx, "system", "cpu_usage", 0.95, 0.8, SeverityMedium, "")
	require.NotNil(t, a)
	require.Len(t, a.CorrelatedAlerts, 5)
	require.NotNil(t, a.RootCause)
	assert.Contains(t, a.RootCause.SuspectedCause, "cascading")
	assert.InDelta(t, 0.7, a.RootCause.Confidence, 1e-9)
}

func TestProcessAlert_MaintenanceSuppresses(t *testing.T) {
	s, now := newSystem(t, Deps{Load: capability.Static{CPU: 0.99, Memory: 0.99}})
	ctx := context.Background()

	s.SetMaintenance(true)
	for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.Nil(t, s.ProcessAlert(ctx, "database", "query_duration", 900, 100, sev, ""))
	}
	s.SetMaintenance(false)

	w, err := ParseWindow("02:00", time.Hour)
	require.NoError(t, err)
	cal := DefaultCalendar()
	cal.Maintenance = []Window{w}
	s.SetCalendar(cal)
	*now = time.Date(2026, 3, 4, 2, 30, 0, 0, time.UTC)
	assert.Nil(t, s.ProcessAlert(ctx, "database", "query_duration", 900, 100, SeverityCritical, ""))

	*now = time.Date(2026, 3, 4, 3, 30, 0, 0, time.UTC)
	assert.NotNil(t, s.ProcessAlert(ctx, "database", "query_duration", 900, 100, SeverityCritical, ""))
	assert.EqualValues(t, 5, s.Status().Suppressed)
}

func TestProcessAlert_FatigueSuppressesEleventh(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	ctx := context.Background()

	var first *SmartAlert
	for i := 0; i < 10; i++ {
		a := s.ProcessAlert(ctx, "search", "semantic_duration", 900, 500, SeverityMedium, "")
		require.NotNil(t, a, "alert %d", i+1)
		if first == nil {
			first = a
		}
	}
	assert.Nil(t, s.ProcessAlert(ctx, "search", "semantic_duration", 900, 500, SeverityMedium, ""))
	assert.NotNil(t, s.ProcessAlert(ctx, "search", "semantic_duration", 900, 500, SeverityCritical, ""), "critical bypasses fatigue")
	assert.EqualValues(t, 11, s.FatigueScores()["search:semantic_duration"])

	require.True(t, s.ResolveAlert(first.ID))
	require.True(t, s.ResolveAlert(s.ActiveAlerts()[0].ID))
	assert.NotNil(t, s.ProcessAlert(ctx, "search", "semantic_duration", 900, 500, SeverityMedium, ""))

	s.DecayFatigue()
	assert.EqualValues(t, 5, s.FatigueScores()["search:semantic_duration"])
}

func TestProcessAlert_ConcurrentFatigueIsConsistent(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	raised := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ProcessAlert(context.Background(), "memory", "heap_usage", 0.95, 0.8, SeverityMedium, "") != nil {
				mu.Lock()
				raised++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, raised)
	assert.EqualValues(t, 10, s.FatigueScores()["memory:heap_usage"])
}

func TestAdjustSeverity_StaysInRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		ac := AlertContext{
			Load:     SystemLoad{CPU: r.Float64(), Memory: r.Float64()},
			Activity: Activity{ErrorRate: r.Float64() * 0.3},
			Time:     TimeContext{BusinessHours: r.Intn(2) == 0, Maintenance: r.Intn(4) == 0},
			Historical: Historical{
				Known:          r.Intn(2) == 0,
				PercentileRank: r.Float64(),
			},
		}
		orig := Severity(r.Intn(4))
		got, _ := adjustSeverity(orig, ac)
		assert.GreaterOrEqual(t, got, SeverityLow)
		assert.LessOrEqual(t, got, SeverityCritical)
	}
}

func TestRules_SuppressDowngradeEnhance(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	ctx := context.Background()
	s.SetRules([]Rule{
		CompileRule(RuleSpec{
			ID: "mute-search", Action: "suppress", Priority: 10,
			Groups: []GroupSpec{{Conditions: []ConditionSpec{{Field: "category", Op: "eq", Value: "search"}}}},
		}),
		CompileRule(RuleSpec{
			ID: "soften-small", Action: "downgrade", Priority: 5,
			Groups: []GroupSpec{{Conditions: []ConditionSpec{{Field: "ratio", Op: "lt", Value: "1.5"}}}},
		}),
		CompileRule(RuleSpec{
			ID: "runbook", Action: "enhance", Message: "see database runbook",
			Groups: []GroupSpec{{Logic: "or", Conditions: []ConditionSpec{
				{Field: "metric", Op: "prefix", Value: "query"},
				{Field: "metric", Op: "contains", Value: "lock"},
			}}},
		}),
		CompileRule(RuleSpec{ID: "broken", Action: "explode"}),
	})

	assert.Nil(t, s.ProcessAlert(ctx, "search", "fts_duration", 900, 200, SeverityCritical, ""))

	a := s.ProcessAlert(ctx, "database", "query_duration", 120, 100, SeverityHigh, "")
	require.NotNil(t, a)
	assert.Equal(t, SeverityMedium, a.Severity)
	assert.Equal(t, "see database runbook", a.Enhancement)
	assert.Contains(t, a.Insights, "see database runbook")

	st := s.Status()
	require.Len(t, st.Rules, 4)
	byID := map[string]Rule{}
	for _, r := range st.Rules {
		byID[r.ID] = r
	}
	assert.EqualValues(t, 1, byID["mute-search"].Matches)
	assert.EqualValues(t, 1, byID["soften-small"].Matches)
	assert.False(t, byID["broken"].Valid)
	assert.NotEmpty(t, byID["broken"].Error)
	assert.Equal(t, "mute-search", st.Rules[0].ID)
}

func TestRules_DelayHoldsDeliveryUntilResolved(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	c := &capture{name: "cap"}
	s.AddChannel(c, DefaultPolicy())
	s.SetRules([]Rule{CompileRule(RuleSpec{
		ID: "wait", Action: "delay", Delay: 50 * time.Millisecond,
		Groups: []GroupSpec{{Conditions: []ConditionSpec{{Field: "severity", Op: "lte", Value: "medium"}}}},
	})})
	ctx := context.Background()

	held := s.ProcessAlert(ctx, "system", "cpu_usage", 0.85, 0.8, SeverityMedium, "")
	require.NotNil(t, held)
	dropped := s.ProcessAlert(ctx, "database", "error_rate", 0.07, 0.05, SeverityLow, "")
	require.NotNil(t, dropped)
	require.True(t, s.ResolveAlert(dropped.ID))

	assert.Empty(t, c.alerts())
	require.Eventually(t, func() bool { return len(c.alerts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	got := c.alerts()
	require.Len(t, got, 1)
	assert.Equal(t, held.ID, got[0].ID)
	drain(t, s)
}

func TestChannels_FailureIsIsolatedAndPolicyApplied(t *testing.T) {
	var (
		mu    sync.Mutex
		posts []SmartAlert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a SmartAlert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		posts = append(posts, a)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, _ := newSystem(t, Deps{})
	broken := &capture{name: "broken", err: errors.New("down")}
	highOnly := &capture{name: "pager"}
	s.AddChannel(broken, DefaultPolicy())
	s.AddChannel(&WebhookChannel{Name: "hook", URL: srv.URL, Client: srv.Client()}, DefaultPolicy())
	pol := DefaultPolicy()
	pol.MinSeverity = SeverityHigh
	s.AddChannel(highOnly, pol)

	ctx := context.Background()
	low := s.ProcessAlert(ctx, "database", "query_duration", 130, 100, SeverityMedium, "")
	high := s.ProcessAlert(ctx, "memory", "heap_usage", 0.97, 0.8, SeverityHigh, "")
	require.NotNil(t, low)
	require.NotNil(t, high)
	drain(t, s)

	mu.Lock()
	assert.Len(t, posts, 2)
	mu.Unlock()
	assert.Len(t, broken.alerts(), 2)
	got := highOnly.alerts()
	require.Len(t, got, 1)
	assert.Equal(t, high.ID, got[0].ID)

	health := map[string]ChannelHealth{}
	for _, h := range s.Status().Channels {
		health[h.ID] = h
	}
	assert.False(t, health["broken"].Healthy)
	assert.EqualValues(t, 2, health["broken"].Failed)
	assert.Equal(t, "down", health["broken"].LastError)
	assert.True(t, health["hook"].Healthy)
	assert.EqualValues(t, 2, health["hook"].Sent)
	assert.EqualValues(t, 1, health["pager"].Filtered)
}

// closingChannel counts sends that arrive after Close.
type closingChannel struct {
	mu     sync.Mutex
	closed bool
	sent   int
	late   int
}

func (c *closingChannel) ID() string   { return "closing" }
func (c *closingChannel) Kind() string { return "capture" }
func (c *closingChannel) Send(context.Context, *SmartAlert) error {
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	if c.closed {
		c.late++
	}
	return nil
}

func (c *closingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestShutdown_NoSendAfterClose(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	ch := &closingChannel{}
	pol := DefaultPolicy()
	pol.MaxPerHour = 100000
	s.AddChannel(ch, pol)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				s.ProcessAlert(context.Background(), "system", fmt.Sprintf("cpu_%d_%d", g, i), 0.99, 0.8, SeverityCritical, "")
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	drain(t, s)
	wg.Wait()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.True(t, ch.closed)
	assert.Zero(t, ch.late)
}

func TestPolicy_QuietHoursAndRateLimit(t *testing.T) {
	pol := Policy{MinSeverity: SeverityLow, QuietStart: 22, QuietEnd: 6, Weekends: false, MaxPerHour: 2}
	r := newRoute(&capture{name: "c"}, pol)
	night := time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)
	sat := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	med := &SmartAlert{Category: "system", Metric: "cpu_usage", Severity: SeverityMedium}
	crit := &SmartAlert{Category: "system", Metric: "cpu_usage", Severity: SeverityCritical}
	assert.Equal(t, "quiet_hours", r.admit(med, night))
	assert.Equal(t, "weekend", r.admit(med, sat))
	assert.Equal(t, "", r.admit(crit, night))
	assert.Equal(t, "", r.admit(med, wed10))
	assert.Equal(t, "rate_limited", r.admit(med, wed10))
	assert.EqualValues(t, 1, r.snapshot().RateLimited)
}

func TestResolveAlert_LearnsTypicalDuration(t *testing.T) {
	s, now := newSystem(t, Deps{})
	ctx := context.Background()

	a := s.ProcessAlert(ctx, "queue", "lag", 50, 10, SeverityMedium, "")
	require.NotNil(t, a)
	assert.Equal(t, 15*time.Minute, a.PredictedDuration)

	*now = now.Add(20 * time.Minute)
	require.True(t, s.ResolveAlert(a.ID))
	assert.False(t, s.ResolveAlert(a.ID))

	b := s.ProcessAlert(ctx, "queue", "lag", 50, 10, SeverityMedium, "")
	require.NotNil(t, b)
	assert.Equal(t, 20*time.Minute, b.PredictedDuration)

	*now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, s.AutoResolve("queue", "lag"))
	st := s.Status()
	require.NotEmpty(t, st.TopPatterns)
	assert.Equal(t, 18*time.Minute, st.TopPatterns[0].TypicalDuration)
	assert.Equal(t, 2, st.TopPatterns[0].Frequency)
	assert.Zero(t, st.ActiveCount)
}

func TestFeedback_DrainResets(t *testing.T) {
	s, _ := newSystem(t, Deps{})
	ctx := context.Background()

	a := s.ProcessAlert(ctx, "database", "query_duration", 300, 100, SeverityHigh, "")
	require.NotNil(t, a)
	require.NoError(t, s.ReportAlertFeedback(a.ID, true))
	require.NoError(t, s.ReportAlertFeedback(a.ID, true))
	require.NoError(t, s.AcknowledgeAlert(a.ID))
	s.ReportMissedIssue("database", "query_duration")
	assert.ErrorIs(t, s.ReportAlertFeedback("nope", true), ErrAlertNotFound)
	assert.ErrorIs(t, s.AcknowledgeAlert("nope"), ErrAlertNotFound)

	fb := s.DrainFeedback()
	assert.Equal(t, Feedback{Alerts: 1, FalsePositives: 1, MissedIssues: 1}, fb["database:query_duration"])
	assert.Empty(t, s.DrainFeedback())

	got, ok := s.Alert(a.ID)
	require.True(t, ok)
	require.NotNil(t, got.AcknowledgedAt)
	require.NotNil(t, got.FalsePositive)
	assert.True(t, *got.FalsePositive)
}

func TestHistory_TrimsAtCap(t *testing.T) {
	s := New(Config{HistoryCap: 10, HistoryTrimTo: 8, FatigueLimit: 1000}, Deps{})
	for i := 0; i < 11; i++ {
		require.NotNil(t, s.ProcessAlert(context.Background(), "system", "cpu_usage", 1, 0.8, SeverityCritical, ""))
	}
	assert.Equal(t, 8, s.HistorySize())
}

func TestParseConfig_BuildsCalendarRulesAndChannels(t *testing.T) {
	fc, err := ParseConfig([]byte(`
business_hours: {start: 8, end: 18}
maintenance_windows:
  - {start: "01:30", duration: 2h}
  - {start: "25:00", duration: 1h}
rules:
  - id: mute-low
    action: suppress
    groups:
      - conditions:
          - {field: severity, op: eq, value: low}
  - id: later
    action: delay
    delay: 10m
    groups:
      - logic: or
        conditions:
          - {field: business_hours, op: eq, value: "false"}
channels:
  - {id: ops-log, kind: log}
  - {id: hook, kind: webhook, url: "http://example.invalid/hook", min_severity: high, weekends: false, max_per_hour: 5}
  - {id: off, kind: log, disabled: true}
  - {id: bus, kind: kafka, topic: alerts}
`))
	require.NoError(t, err)

	cal, err := fc.Calendar(DefaultCalendar())
	require.Error(t, err)
	assert.Equal(t, 8, cal.BusinessStart)
	assert.Equal(t, 18, cal.BusinessEnd)
	require.Len(t, cal.Maintenance, 1)
	assert.True(t, cal.InMaintenance(time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC)))

	rules := fc.CompileRules()
	require.Len(t, rules, 2)
	assert.True(t, rules[0].Valid)
	assert.Equal(t, 10*time.Minute, rules[1].Delay)

	chs, err := fc.BuildChannels(ChannelDeps{})
	require.Error(t, err, "kafka without a producer factory")
	require.Len(t, chs, 2)
	assert.Equal(t, "log", chs[0].Channel.Kind())
	assert.Equal(t, SeverityHigh, chs[1].Policy.MinSeverity)
	assert.False(t, chs[1].Policy.Weekends)
	assert.Equal(t, 5, chs[1].Policy.MaxPerHour)
}
