package alerting

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ActivitySource reports recent query volume, error rate and user activity.
type ActivitySource interface {
	Activity() Activity
}

// HistorySource reports the running baseline of a metric.
type HistorySource interface {
	Baseline(category, metric string) (mean, stdDev float64, ok bool)
}

// Window is a daily recurring maintenance window starting at Start
// (minutes after midnight).
type Window struct {
	Start    int           `json:"start"`
	Duration time.Duration `json:"duration"`
}

// ParseWindow reads "HH:MM".
func ParseWindow(start string, d time.Duration) (Window, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(start), ":")
	if !ok {
		return Window{}, fmt.Errorf("maintenance window %q: want HH:MM", start)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return Window{}, fmt.Errorf("maintenance window %q: want HH:MM", start)
	}
	if d <= 0 || d > 24*time.Hour {
		return Window{}, fmt.Errorf("maintenance window %q: duration %s out of range", start, d)
	}
	return Window{Start: hh*60 + mm, Duration: d}, nil
}

func (w Window) contains(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for _, base := range []time.Time{day.AddDate(0, 0, -1), day} {
		from := base.Add(time.Duration(w.Start) * time.Minute)
		if !t.Before(from) && t.Before(from.Add(w.Duration)) {
			return true
		}
	}
	return false
}

// Calendar decides business hours and maintenance windows.
type Calendar struct {
	BusinessStart int
	BusinessEnd   int
	// WeekendBusiness treats Saturday and Sunday as business days.
	WeekendBusiness bool
	Maintenance     []Window
}

func DefaultCalendar() Calendar { return Calendar{BusinessStart: 9, BusinessEnd: 17} }

func (c Calendar) BusinessHours(t time.Time) bool {
	if !c.WeekendBusiness && (t.Weekday() == time.Saturday || t.Weekday() == time.Sunday) {
		return false
	}
	return t.Hour() >= c.BusinessStart && t.Hour() < c.BusinessEnd
}

func (c Calendar) InMaintenance(t time.Time) bool {
	for _, w := range c.Maintenance {
		if w.contains(t) {
			return true
		}
	}
	return false
}

// gatherContext snapshots load, activity, time and history for one alert.
func (s *System) gatherContext(ctx context.Context, category, metric string, value float64, now time.Time) AlertContext {
	var ac AlertContext
	if s.load != nil {
		l := s.load.Load(ctx)
		ac.Load = SystemLoad{CPU: l.CPU, Memory: l.Memory, IO: l.IO}
	}
	if s.activity != nil {
		ac.Activity = s.activity.Activity()
	}

	s.mu.RLock()
	cal := s.calendar
	forced := s.maintenance
	s.mu.RUnlock()
	ac.Time = TimeContext{
		Hour:          now.Hour(),
		Weekday:       now.Weekday(),
		BusinessHours: cal.BusinessHours(now),
		Maintenance:   forced || cal.InMaintenance(now),
	}

	if s.history != nil {
		if mean, sd, ok := s.history.Baseline(category, metric); ok {
			ac.Historical = Historical{Typical: mean, StdDev: sd, PercentileRank: percentileRank(value, mean, sd), Known: true}
		}
	}
	return ac
}

// percentileRank places v on a normal distribution with the given mean and
// standard deviation.
func percentileRank(v, mean, sd float64) float64 {
	if sd <= 0 || math.IsNaN(sd) {
		switch {
		case v > mean:
			return 1
		case v < mean:
			return 0
		default:
			return 0.5
		}
	}
	return 0.5 * (1 + math.Erf((v-mean)/(sd*math.Sqrt2)))
}

// adjustSeverity applies the contextual factors and returns the clamped
// severity with the reasons that moved it.
func adjustSeverity(orig Severity, ac AlertContext) (Severity, []string) {
	delta := 0
	var why []string
	if ac.Load.CPU > 0.9 {
		delta++
		why = append(why, "cpu above 90%")
	}
	if ac.Load.Memory > 0.9 {
		delta++
		why = append(why, "memory above 90%")
	}
	if !ac.Time.BusinessHours {
		delta--
		why = append(why, "outside business hours")
	}
	if ac.Time.Maintenance {
		delta -= 2
		why = append(why, "maintenance window")
	}
	if ac.Historical.Known {
		switch {
		case ac.Historical.PercentileRank < 0.8:
			delta--
			why = append(why, "value is typical for this metric")
		case ac.Historical.PercentileRank > 0.95:
			delta++
			why = append(why, "value is historically extreme")
		}
	}
	if ac.Activity.ErrorRate > 0.1 {
		delta++
		why = append(why, "error rate above 10%")
	}
	return (orig + Severity(delta)).Clamp(), why
}
