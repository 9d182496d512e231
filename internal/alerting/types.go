// Package alerting turns threshold violations into contextualized alerts:
// severity is adjusted for load, time and history, noise is suppressed,
// related alerts are correlated and delivered through rate-limited channels.
package alerting

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Clamp keeps s within the four levels.
func (s Severity) Clamp() Severity {
	return max(SeverityLow, min(SeverityCritical, s))
}

func ParseSeverity(v string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(strings.TrimSpace(v), n) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", v)
}

func (s Severity) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Severity) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p, err := ParseSeverity(v)
	if err != nil {
		return err
	}
	*s = p
	return nil
}

func (s Severity) MarshalYAML() (any, error) { return s.String(), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	p, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = p
	return nil
}

type SystemLoad struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	IO     float64 `json:"io"`
}

type Activity struct {
	QueryVolume  float64 `json:"query_volume"`
	ErrorRate    float64 `json:"error_rate"`
	UserActivity float64 `json:"user_activity"`
}

type TimeContext struct {
	Hour          int          `json:"hour"`
	Weekday       time.Weekday `json:"weekday"`
	BusinessHours bool         `json:"business_hours"`
	Maintenance   bool         `json:"maintenance"`
}

type Historical struct {
	Typical        float64 `json:"typical"`
	StdDev         float64 `json:"std_dev"`
	PercentileRank float64 `json:"percentile_rank"`
	Known          bool    `json:"known"`
}

type AlertContext struct {
	Load       SystemLoad  `json:"load"`
	Activity   Activity    `json:"activity"`
	Time       TimeContext `json:"time"`
	Historical Historical  `json:"historical"`
}

type RootCause struct {
	SuspectedCause string   `json:"suspected_cause"`
	Confidence     float64  `json:"confidence"`
	Evidence       []string `json:"evidence,omitempty"`
}

type SmartAlert struct {
	ID                string        `json:"id"`
	Category          string        `json:"category"`
	Metric            string        `json:"metric"`
	Value             float64       `json:"value"`
	Threshold         float64       `json:"threshold"`
	OriginalSeverity  Severity      `json:"original_severity"`
	Severity          Severity      `json:"severity"`
	Message           string        `json:"message"`
	Context           AlertContext  `json:"context"`
	SuppressionReason string        `json:"suppression_reason,omitempty"`
	Enhancement       string        `json:"enhancement,omitempty"`
	Insights          []string      `json:"insights,omitempty"`
	PredictedDuration time.Duration `json:"predicted_duration"`
	CorrelatedAlerts  []string      `json:"correlated_alerts,omitempty"`
	RootCause         *RootCause    `json:"root_cause,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	AcknowledgedAt    *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	FalsePositive     *bool         `json:"false_positive,omitempty"`
}

// Kind is the (category, metric) pair alerts are grouped by.
func (a *SmartAlert) Kind() string { return kindKey(a.Category, a.Metric) }

func (a *SmartAlert) clone() *SmartAlert {
	cp := *a
	cp.Insights = append([]string(nil), a.Insights...)
	cp.CorrelatedAlerts = append([]string(nil), a.CorrelatedAlerts...)
	if a.RootCause != nil {
		rc := *a.RootCause
		rc.Evidence = append([]string(nil), a.RootCause.Evidence...)
		cp.RootCause = &rc
	}
	return &cp
}

func kindKey(category, metric string) string { return category + ":" + metric }

// Pattern aggregates every alert of one kind.
type Pattern struct {
	Kind            string         `json:"kind"`
	Frequency       int            `json:"frequency"`
	TypicalDuration time.Duration  `json:"typical_duration"`
	CommonCauses    []CauseCount   `json:"common_causes,omitempty"`
	Hourly          [24]int        `json:"hourly"`
	Daily           [7]int         `json:"daily"`
	Weekly          map[string]int `json:"weekly"`
	LastSeen        time.Time      `json:"last_seen"`
}

type CauseCount struct {
	Cause string `json:"cause"`
	Count int    `json:"count"`
}
