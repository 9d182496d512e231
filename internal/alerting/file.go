package alerting

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HoursSpec struct {
	Start    int  `yaml:"start"`
	End      int  `yaml:"end"`
	Weekends bool `yaml:"weekends"`
}

type WindowSpec struct {
	Start    string        `yaml:"start"`
	Duration time.Duration `yaml:"duration"`
}

type ChannelSpec struct {
	ID          string        `yaml:"id"`
	Kind        string        `yaml:"kind"`
	URL         string        `yaml:"url"`
	Topic       string        `yaml:"topic"`
	MinSeverity string        `yaml:"min_severity"`
	QuietStart  int           `yaml:"quiet_start"`
	QuietEnd    int           `yaml:"quiet_end"`
	Weekends    *bool         `yaml:"weekends"`
	MaxPerHour  int           `yaml:"max_per_hour"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Disabled    bool          `yaml:"disabled"`
}

// FileConfig is the rules file layout.
type FileConfig struct {
	BusinessHours *HoursSpec    `yaml:"business_hours"`
	Maintenance   []WindowSpec  `yaml:"maintenance_windows"`
	Rules         []RuleSpec    `yaml:"rules"`
	Channels      []ChannelSpec `yaml:"channels"`
}

func LoadFile(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse rules file: %w", err)
	}
	return fc, nil
}

// Calendar merges the file's business hours and windows over base. Invalid
// windows are skipped and reported.
func (fc FileConfig) Calendar(base Calendar) (Calendar, error) {
	cal := base
	var errs []error
	if h := fc.BusinessHours; h != nil {
		if h.Start >= 0 && h.End <= 24 && h.Start < h.End {
			cal.BusinessStart, cal.BusinessEnd = h.Start, h.End
			cal.WeekendBusiness = h.Weekends
		} else {
			errs = append(errs, fmt.Errorf("business hours %d-%d invalid", h.Start, h.End))
		}
	}
	for _, ws := range fc.Maintenance {
		w, err := ParseWindow(ws.Start, ws.Duration)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cal.Maintenance = append(cal.Maintenance, w)
	}
	return cal, errors.Join(errs...)
}

func (fc FileConfig) CompileRules() []Rule {
	out := make([]Rule, 0, len(fc.Rules))
	for _, rs := range fc.Rules {
		out = append(out, CompileRule(rs))
	}
	return out
}

// ChannelDeps supplies what concrete channels need.
type ChannelDeps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Kafka builds the producer for kafka channels; nil disables them.
	Kafka func(topic string) (Producer, error)
}

type ChannelConfig struct {
	Channel Channel
	Policy  Policy
}

// BuildChannels instantiates the declared channels. A channel that cannot be
// built is skipped and its error returned joined with the others.
func (fc FileConfig) BuildChannels(d ChannelDeps) ([]ChannelConfig, error) {
	var (
		out  []ChannelConfig
		errs []error
	)
	for _, cs := range fc.Channels {
		if cs.Disabled {
			continue
		}
		pol := DefaultPolicy()
		if cs.MinSeverity != "" {
			s, err := ParseSeverity(cs.MinSeverity)
			if err != nil {
				errs = append(errs, fmt.Errorf("channel %s: %w", cs.ID, err))
				continue
			}
			pol.MinSeverity = s
		}
		pol.QuietStart, pol.QuietEnd = cs.QuietStart, cs.QuietEnd
		if cs.Weekends != nil {
			pol.Weekends = *cs.Weekends
		}
		if cs.MaxPerHour > 0 {
			pol.MaxPerHour = cs.MaxPerHour
		}
		pol.Cooldown = cs.Cooldown

		var ch Channel
		switch strings.ToLower(cs.Kind) {
		case "log":
			ch = &LogChannel{Name: cs.ID, Log: d.Logger}
		case "webhook":
			if cs.URL == "" {
				errs = append(errs, fmt.Errorf("channel %s: webhook url is required", cs.ID))
				continue
			}
			ch = &WebhookChannel{Name: cs.ID, URL: cs.URL, Client: d.HTTPClient}
		case "kafka":
			if d.Kafka == nil || cs.Topic == "" {
				errs = append(errs, fmt.Errorf("channel %s: kafka not configured", cs.ID))
				continue
			}
			prod, err := d.Kafka(cs.Topic)
			if err != nil {
				errs = append(errs, fmt.Errorf("channel %s: %w", cs.ID, err))
				continue
			}
			ch = NewKafkaChannel(cs.ID, cs.Topic, prod, 0, d.Logger)
		default:
			errs = append(errs, fmt.Errorf("channel %s: unknown kind %q", cs.ID, cs.Kind))
			continue
		}
		out = append(out, ChannelConfig{Channel: ch, Policy: pol})
	}
	return out, errors.Join(errs...)
}
