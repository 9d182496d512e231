package alerting

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field selects the alert attribute a condition reads.
type Field int

const (
	FieldCategory Field = iota + 1
	FieldMetric
	FieldValue
	FieldThreshold
	FieldRatio
	FieldSeverity
	FieldMessage
	FieldCPU
	FieldMemory
	FieldErrorRate
	FieldHour
	FieldBusinessHours
	FieldMaintenance
	FieldPercentileRank
)

var fieldNames = map[string]Field{
	"category":        FieldCategory,
	"metric":          FieldMetric,
	"value":           FieldValue,
	"threshold":       FieldThreshold,
	"ratio":           FieldRatio,
	"severity":        FieldSeverity,
	"message":         FieldMessage,
	"cpu":             FieldCPU,
	"memory":          FieldMemory,
	"error_rate":      FieldErrorRate,
	"hour":            FieldHour,
	"business_hours":  FieldBusinessHours,
	"maintenance":     FieldMaintenance,
	"percentile_rank": FieldPercentileRank,
}

func ParseField(s string) (Field, error) {
	if f, ok := fieldNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown field %q", s)
}

func (f Field) textual() bool {
	return f == FieldCategory || f == FieldMetric || f == FieldMessage
}

func (f Field) boolean() bool {
	return f == FieldBusinessHours || f == FieldMaintenance
}

func (f Field) number(a *SmartAlert) float64 {
	switch f {
	case FieldValue:
		return a.Value
	case FieldThreshold:
		return a.Threshold
	case FieldRatio:
		if a.Threshold == 0 {
			return 0
		}
		return a.Value / a.Threshold
	case FieldSeverity:
		return float64(a.Severity)
	case FieldCPU:
		return a.Context.Load.CPU
	case FieldMemory:
		return a.Context.Load.Memory
	case FieldErrorRate:
		return a.Context.Activity.ErrorRate
	case FieldHour:
		return float64(a.Context.Time.Hour)
	case FieldBusinessHours:
		return b2f(a.Context.Time.BusinessHours)
	case FieldMaintenance:
		return b2f(a.Context.Time.Maintenance)
	case FieldPercentileRank:
		return a.Context.Historical.PercentileRank
	}
	return 0
}

func (f Field) text(a *SmartAlert) string {
	switch f {
	case FieldCategory:
		return a.Category
	case FieldMetric:
		return a.Metric
	case FieldMessage:
		return a.Message
	}
	return ""
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
)

type Action string

const (
	ActionSuppress  Action = "suppress"
	ActionDowngrade Action = "downgrade"
	ActionDelay     Action = "delay"
	ActionEnhance   Action = "enhance"
)

type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// ConditionSpec is the declarative form read from YAML.
type ConditionSpec struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value" json:"value"`
}

type GroupSpec struct {
	Logic      string          `yaml:"logic" json:"logic"`
	Conditions []ConditionSpec `yaml:"conditions" json:"conditions"`
}

type RuleSpec struct {
	ID       string        `yaml:"id" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Action   string        `yaml:"action" json:"action"`
	Priority int           `yaml:"priority" json:"priority"`
	Disabled bool          `yaml:"disabled" json:"disabled"`
	Delay    time.Duration `yaml:"delay" json:"delay"`
	Message  string        `yaml:"message" json:"message"`
	Groups   []GroupSpec   `yaml:"groups" json:"groups"`
}

type predicate func(*SmartAlert) bool

type group struct {
	logic Logic
	preds []predicate
}

func (g group) match(a *SmartAlert) bool {
	if len(g.preds) == 0 {
		return false
	}
	for _, p := range g.preds {
		ok := p(a)
		if g.logic == LogicOr && ok {
			return true
		}
		if g.logic == LogicAnd && !ok {
			return false
		}
	}
	return g.logic == LogicAnd
}

// Rule is a compiled suppression rule. Every group must match for the rule
// to fire. An invalid rule never matches.
type Rule struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Action   Action        `json:"action"`
	Priority int           `json:"priority"`
	Enabled  bool          `json:"enabled"`
	Delay    time.Duration `json:"delay,omitempty"`
	Message  string        `json:"message,omitempty"`
	Valid    bool          `json:"valid"`
	Error    string        `json:"error,omitempty"`
	Matches  int64         `json:"matches"`

	groups []group
}

const defaultDelay = 5 * time.Minute

// CompileRule turns a spec into a Rule. Errors are recorded on the rule,
// which is then skipped during evaluation.
func CompileRule(spec RuleSpec) Rule {
	r := Rule{
		ID:       spec.ID,
		Name:     spec.Name,
		Action:   Action(strings.ToLower(strings.TrimSpace(spec.Action))),
		Priority: spec.Priority,
		Enabled:  !spec.Disabled,
		Delay:    spec.Delay,
		Message:  spec.Message,
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	err := r.compile(spec)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Valid = true
	return r
}

func (r *Rule) compile(spec RuleSpec) error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	switch r.Action {
	case ActionSuppress, ActionDowngrade, ActionEnhance:
	case ActionDelay:
		if r.Delay <= 0 {
			r.Delay = defaultDelay
		}
	default:
		errs = append(errs, fmt.Errorf("unknown action %q", spec.Action))
	}
	if len(spec.Groups) == 0 {
		errs = append(errs, errors.New("at least one condition group is required"))
	}
	for gi, gs := range spec.Groups {
		g := group{logic: Logic(strings.ToLower(strings.TrimSpace(gs.Logic)))}
		if g.logic == "" {
			g.logic = LogicAnd
		}
		if g.logic != LogicAnd && g.logic != LogicOr {
			errs = append(errs, fmt.Errorf("group %d: unknown logic %q", gi, gs.Logic))
		}
		if len(gs.Conditions) == 0 {
			errs = append(errs, fmt.Errorf("group %d: no conditions", gi))
		}
		for ci, cs := range gs.Conditions {
			p, err := compileCondition(cs)
			if err != nil {
				errs = append(errs, fmt.Errorf("group %d condition %d: %w", gi, ci, err))
				continue
			}
			g.preds = append(g.preds, p)
		}
		r.groups = append(r.groups, g)
	}
	return errors.Join(errs...)
}

func compileCondition(cs ConditionSpec) (predicate, error) {
	f, err := ParseField(cs.Field)
	if err != nil {
		return nil, err
	}
	op := Operator(strings.ToLower(strings.TrimSpace(cs.Op)))
	raw := strings.TrimSpace(cs.Value)

	if f.textual() {
		switch op {
		case OpEq:
			return func(a *SmartAlert) bool { return strings.EqualFold(f.text(a), raw) }, nil
		case OpNe:
			return func(a *SmartAlert) bool { return !strings.EqualFold(f.text(a), raw) }, nil
		case OpContains:
			want := strings.ToLower(raw)
			return func(a *SmartAlert) bool { return strings.Contains(strings.ToLower(f.text(a)), want) }, nil
		case OpPrefix:
			want := strings.ToLower(raw)
			return func(a *SmartAlert) bool { return strings.HasPrefix(strings.ToLower(f.text(a)), want) }, nil
		}
		return nil, fmt.Errorf("operator %q not valid for %s", cs.Op, cs.Field)
	}

	var want float64
	switch {
	case f == FieldSeverity:
		s, err := ParseSeverity(raw)
		if err != nil {
			return nil, err
		}
		want = float64(s)
	case f.boolean():
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s wants a boolean: %w", cs.Field, err)
		}
		want = b2f(b)
	default:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s wants a number: %w", cs.Field, err)
		}
		want = v
	}

	var cmp func(x float64) bool
	switch op {
	case OpEq:
		cmp = func(x float64) bool { return x == want }
	case OpNe:
		cmp = func(x float64) bool { return x != want }
	case OpGt:
		cmp = func(x float64) bool { return x > want }
	case OpGte:
		cmp = func(x float64) bool { return x >= want }
	case OpLt:
		cmp = func(x float64) bool { return x < want }
	case OpLte:
		cmp = func(x float64) bool { return x <= want }
	default:
		return nil, fmt.Errorf("operator %q not valid for %s", cs.Op, cs.Field)
	}
	return func(a *SmartAlert) bool { return cmp(f.number(a)) }, nil
}

func (r *Rule) matches(a *SmartAlert) bool {
	if !r.Valid || !r.Enabled || len(r.groups) == 0 {
		return false
	}
	for _, g := range r.groups {
		if !g.match(a) {
			return false
		}
	}
	return true
}

// sortRules orders by priority, highest first, then id.
func sortRules(rs []Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})
}

// ruleOutcome is the combined effect of every matching rule.
type ruleOutcome struct {
	suppressBy string
	downgrades int
	delay      time.Duration
	enhance    []string
	matched    []string
}

func evaluateRules(rs []Rule, a *SmartAlert) ruleOutcome {
	var out ruleOutcome
	for i := range rs {
		r := &rs[i]
		if !r.matches(a) {
			continue
		}
		r.Matches++
		out.matched = append(out.matched, r.ID)
		switch r.Action {
		case ActionSuppress:
			out.suppressBy = r.ID
			return out
		case ActionDowngrade:
			out.downgrades++
		case ActionDelay:
			out.delay = max(out.delay, r.Delay)
		case ActionEnhance:
			msg := r.Message
			if msg == "" {
				msg = "matched rule " + r.Name
			}
			out.enhance = append(out.enhance, msg)
		}
	}
	return out
}
