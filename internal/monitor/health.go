package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/capability"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

func (s Status) level() int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func worse(a, b Status) Status {
	if b.level() > a.level() {
		return b
	}
	return a
}

type ComponentHealth struct {
	Name      string             `json:"name"`
	Status    Status             `json:"status"`
	Issues    []string           `json:"issues,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	CheckedAt time.Time          `json:"checked_at"`
	Latency   time.Duration      `json:"latency"`
}

// Checker probes one component. A returned error marks the component
// critical with the error text as its issue.
type Checker interface {
	Name() string
	Check(ctx context.Context) (ComponentHealth, error)
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	Component string
	Fn        func(ctx context.Context) (ComponentHealth, error)
}

func (c CheckFunc) Name() string { return c.Component }

func (c CheckFunc) Check(ctx context.Context) (ComponentHealth, error) { return c.Fn(ctx) }

// loadChecker grades one load fraction against degraded/critical levels.
type loadChecker struct {
	name     string
	load     capability.LoadProvider
	pick     func(capability.Load) float64
	label    string
	degraded float64
	critical float64
}

// MemoryChecker reports memory utilization: degraded above 80%, critical
// above 90%.
func MemoryChecker(load capability.LoadProvider) Checker {
	return loadChecker{
		name:     "memory",
		load:     load,
		label:    "memory utilization",
		pick:     func(l capability.Load) float64 { return l.Memory },
		degraded: 0.8,
		critical: 0.9,
	}
}

// SystemChecker reports CPU utilization: degraded above 70%, critical above
// 90%.
func SystemChecker(load capability.LoadProvider) Checker {
	return loadChecker{
		name:     "system",
		load:     load,
		label:    "cpu utilization",
		pick:     func(l capability.Load) float64 { return l.CPU },
		degraded: 0.7,
		critical: 0.9,
	}
}

func (c loadChecker) Name() string { return c.name }

func (c loadChecker) Check(ctx context.Context) (ComponentHealth, error) {
	l := c.load.Load(ctx)
	v := c.pick(l)
	h := ComponentHealth{
		Name:    c.name,
		Status:  StatusHealthy,
		Metrics: map[string]float64{"cpu": l.CPU, "memory": l.Memory, "io": l.IO, "heap_bytes": float64(l.HeapBytes)},
	}
	switch {
	case v > c.critical:
		h.Status = StatusCritical
		h.Issues = append(h.Issues, fmt.Sprintf("%s at %.0f%%", c.label, v*100))
	case v > c.degraded:
		h.Status = StatusDegraded
		h.Issues = append(h.Issues, fmt.Sprintf("%s at %.0f%%", c.label, v*100))
	}
	return h, nil
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker grades a round trip: degraded when slower than slow.
func PingChecker(name string, p Pinger, slow time.Duration) Checker {
	if slow <= 0 {
		slow = 100 * time.Millisecond
	}
	return CheckFunc{Component: name, Fn: func(ctx context.Context) (ComponentHealth, error) {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			return ComponentHealth{}, fmt.Errorf("ping %s: %w", name, err)
		}
		rtt := time.Since(start)
		h := ComponentHealth{Name: name, Status: StatusHealthy, Metrics: map[string]float64{"rtt_ms": float64(rtt) / float64(time.Millisecond)}}
		if rtt > slow {
			h.Status = StatusDegraded
			h.Issues = append(h.Issues, fmt.Sprintf("round trip %s above %s", rtt.Round(time.Millisecond), slow))
		}
		return h, nil
	}}
}
