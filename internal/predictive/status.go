package predictive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/prediction"
	"github.com/mohammed-shakir/perfcore/internal/schedule"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/usage"
	"github.com/mohammed-shakir/perfcore/internal/warming"
)

type PatternStatus struct {
	Count int             `json:"count"`
	Top   []usage.Pattern `json:"top"`
}

type Status struct {
	Enabled            bool               `json:"enabled"`
	Running            bool               `json:"running"`
	Patterns           PatternStatus      `json:"patterns"`
	Models             []prediction.Model `json:"models"`
	TrainingRecords    int                `json:"training_records"`
	Warming            warming.Stats      `json:"warming"`
	PendingPredictions int                `json:"pending_predictions"`
	RecentActivity     usage.Activity     `json:"recent_activity"`
	LastPredictionRun  time.Time          `json:"last_prediction_run"`
	LastSaved          time.Time          `json:"last_saved"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Enabled:            m.cfg.Enabled,
		Running:            m.cycles != nil,
		PendingPredictions: len(m.pending),
		LastPredictionRun:  m.lastRun,
		LastSaved:          m.lastSave,
	}
	m.mu.Unlock()

	st.Patterns = PatternStatus{Count: m.an.PatternCount(), Top: m.an.Patterns(10)}
	st.Models = m.models.Models()
	st.TrainingRecords = m.models.RecordCount()
	st.Warming = m.warm.Stats()
	st.RecentActivity = m.an.RecentActivity(10)
	return st
}

// Update is a partial configuration change. Nil fields are left alone.
type Update struct {
	Enabled             *bool          `json:"enabled,omitempty"`
	PredictionInterval  *time.Duration `json:"prediction_interval,omitempty"`
	WarmingInterval     *time.Duration `json:"warming_interval,omitempty"`
	CleanupInterval     *time.Duration `json:"cleanup_interval,omitempty"`
	PredictionThreshold *float64       `json:"prediction_threshold,omitempty"`
	MaxPredictions      *int           `json:"max_predictions,omitempty"`
	MaxCPU              *float64       `json:"max_cpu,omitempty"`
	MaxHeapBytes        *uint64        `json:"max_heap_bytes,omitempty"`
	MaxConcurrent       *int           `json:"max_concurrent,omitempty"`
	OpsPerCycle         *int           `json:"ops_per_cycle,omitempty"`
}

func (u Update) validate() error {
	var errs []error
	for name, d := range map[string]*time.Duration{
		"prediction_interval": u.PredictionInterval,
		"warming_interval":    u.WarmingInterval,
		"cleanup_interval":    u.CleanupInterval,
	} {
		if d != nil && *d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if v := u.PredictionThreshold; v != nil && (*v <= 0 || *v > 1.1) {
		errs = append(errs, errors.New("prediction_threshold must be in (0, 1.1]"))
	}
	if v := u.MaxCPU; v != nil && (*v <= 0 || *v > 1) {
		errs = append(errs, errors.New("max_cpu must be in (0, 1]"))
	}
	for name, n := range map[string]*int{
		"max_predictions": u.MaxPredictions,
		"max_concurrent":  u.MaxConcurrent,
		"ops_per_cycle":   u.OpsPerCycle,
	} {
		if n != nil && *n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// UpdateConfiguration applies u without a restart. Interval changes restart
// the cycles; flipping Enabled starts or stops them.
func (m *Manager) UpdateConfiguration(u Update) error {
	if err := u.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if u.PredictionThreshold != nil {
		m.an.SetPredictionThreshold(*u.PredictionThreshold)
	}
	if u.MaxPredictions != nil {
		m.models.SetMaxPredictions(*u.MaxPredictions)
	}
	if u.MaxCPU != nil || u.MaxHeapBytes != nil || u.MaxConcurrent != nil || u.OpsPerCycle != nil {
		m.warm.UpdateConfig(func(c *warming.Config) {
			if u.MaxCPU != nil {
				c.MaxCPU = *u.MaxCPU
			}
			if u.MaxHeapBytes != nil {
				c.MaxHeapBytes = *u.MaxHeapBytes
			}
			if u.MaxConcurrent != nil {
				c.MaxConcurrent = *u.MaxConcurrent
			}
			if u.OpsPerCycle != nil {
				c.OpsPerCycle = *u.OpsPerCycle
			}
		})
	}

	m.mu.Lock()
	restart := false
	if u.PredictionInterval != nil && *u.PredictionInterval != m.cfg.PredictionInterval {
		m.cfg.PredictionInterval = *u.PredictionInterval
		restart = true
	}
	if u.WarmingInterval != nil && *u.WarmingInterval != m.cfg.WarmingInterval {
		m.cfg.WarmingInterval = *u.WarmingInterval
		restart = true
	}
	if u.CleanupInterval != nil && *u.CleanupInterval != m.cfg.CleanupInterval {
		m.cfg.CleanupInterval = *u.CleanupInterval
		restart = true
	}
	if u.Enabled != nil {
		m.cfg.Enabled = *u.Enabled
	}
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	want := m.cfg.Enabled
	running := m.cycles != nil
	var stopped *schedule.Group
	if running && (!want || restart) {
		stopped = m.stopLocked()
	}
	m.mu.Unlock()

	stopped.Wait()

	m.mu.Lock()
	if want && m.cfg.Enabled && !m.closed {
		m.startLocked()
	}
	m.mu.Unlock()

	m.log.Info("predictive configuration updated", "enabled", want, "restarted", restart && running)
	return nil
}

type persisted struct {
	Usage  usage.State      `json:"usage"`
	Models prediction.State `json:"models"`
}

func (m *Manager) saveState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	p := persisted{Usage: m.an.Snapshot(), Models: m.models.Snapshot()}
	if err := state.SaveValue(ctx, m.store, stateName, p); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastSave = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) loadState(ctx context.Context) {
	if m.store == nil {
		return
	}
	var p persisted
	at, err := state.LoadValue(ctx, m.store, stateName, &p)
	switch {
	case errors.Is(err, state.ErrNotFound):
		m.log.Info("no predictive state found, starting fresh")
		return
	case err != nil:
		m.log.Warn("load predictive state, starting fresh", "err", err)
		return
	}
	m.an.Restore(p.Usage)
	m.models.Restore(p.Models)
	m.log.Info("predictive state restored",
		"saved_at", at, "patterns", len(p.Usage.Patterns), "records", len(p.Models.Records))
}
