// Package predictive runs the learn -> predict -> warm loop: it records cache
// accesses, periodically turns learned patterns into predictions and feeds
// them to the warming engine.
package predictive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/hotness"
	"github.com/mohammed-shakir/perfcore/internal/prediction"
	"github.com/mohammed-shakir/perfcore/internal/schedule"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/usage"
	"github.com/mohammed-shakir/perfcore/internal/warming"
)

const stateName = "predictive"

type Config struct {
	Enabled            bool
	PredictionInterval time.Duration
	WarmingInterval    time.Duration
	CleanupInterval    time.Duration
	// SessionWindow bounds which sessions count as active for a prediction
	// cycle.
	SessionWindow time.Duration
	// RecentKeys is how much of a session's history is matched against
	// patterns.
	RecentKeys int
	// HotPruneFloor drops hotness entries that decayed below it on cleanup.
	HotPruneFloor float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		PredictionInterval: 5 * time.Minute,
		WarmingInterval:    2 * time.Minute,
		CleanupInterval:    30 * time.Minute,
		SessionWindow:      30 * time.Minute,
		RecentKeys:         5,
		HotPruneFloor:      0.01,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.PredictionInterval <= 0 {
		c.PredictionInterval = d.PredictionInterval
	}
	if c.WarmingInterval <= 0 {
		c.WarmingInterval = d.WarmingInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.SessionWindow <= 0 {
		c.SessionWindow = d.SessionWindow
	}
	if c.RecentKeys <= 0 {
		c.RecentKeys = d.RecentKeys
	}
	if c.HotPruneFloor <= 0 {
		c.HotPruneFloor = d.HotPruneFloor
	}
}

// Deps are the collaborators the manager drives. Analyzer, Models and
// Warming are required.
type Deps struct {
	Logger   *slog.Logger
	Analyzer *usage.Analyzer
	Models   *prediction.Manager
	Warming  *warming.Engine
	Hotness  hotness.Interface
	Store    state.Store
}

type Manager struct {
	log    *slog.Logger
	an     *usage.Analyzer
	models *prediction.Manager
	warm   *warming.Engine
	hot    hotness.Interface
	store  state.Store
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	pending  map[string]prediction.Prediction
	lastRun  time.Time
	lastSave time.Time
	cycles   *schedule.Group
	closed   bool
}

func New(cfg Config, d Deps) (*Manager, error) {
	if d.Analyzer == nil || d.Models == nil || d.Warming == nil {
		return nil, errors.New("predictive: analyzer, models and warming engine are required")
	}
	cfg.normalize()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Manager{
		log:     d.Logger.With("component", "predictive"),
		an:      d.Analyzer,
		models:  d.Models,
		warm:    d.Warming,
		hot:     d.Hotness,
		store:   d.Store,
		now:     time.Now,
		cfg:     cfg,
		pending: make(map[string]prediction.Prediction),
	}, nil
}

// Start restores persisted state and, when enabled, launches the periodic
// cycles. A missing or unreadable state blob starts fresh.
func (m *Manager) Start(ctx context.Context) {
	m.loadState(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Enabled && !m.closed {
		m.startLocked()
	}
}

func (m *Manager) startLocked() {
	if m.cycles != nil {
		return
	}
	cfg := m.cfg
	m.cycles = schedule.Start(m.log,
		schedule.Task{Name: "prediction", Every: cfg.PredictionInterval, Run: func(ctx context.Context) { m.predictionCycle(ctx) }},
		schedule.Task{Name: "warming", Every: cfg.WarmingInterval, Run: m.warmingCycle},
		schedule.Task{Name: "cleanup", Every: cfg.CleanupInterval, Run: m.cleanupCycle},
	)
	m.log.Info("predictive cycles started",
		"prediction_every", cfg.PredictionInterval,
		"warming_every", cfg.WarmingInterval,
		"cleanup_every", cfg.CleanupInterval)
}

// stopLocked cancels the cycles. The returned handle must be waited on
// after releasing m.mu.
func (m *Manager) stopLocked() *schedule.Group {
	c := m.cycles
	m.cycles = nil
	c.Cancel()
	return c
}

// RecordCacheAccess feeds one cache request into pattern learning and
// hotness. A request for a key that was predicted counts as a hit for the
// model that predicted it.
func (m *Manager) RecordCacheAccess(key, sessionID string, rc usage.RequestContext) {
	if key == "" {
		return
	}
	m.an.RecordRequest(key, sessionID, rc)
	if m.hot != nil {
		m.hot.Inc(key)
	}

	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if ok && !p.Expired(m.now()) {
		m.models.UpdateModelWithOutcome(p, true)
	}
}

// ReportPredictionOutcome records an explicit outcome for an outstanding
// prediction. It reports false when no prediction for key is outstanding.
func (m *Manager) ReportPredictionOutcome(key string, accurate bool) bool {
	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.models.UpdateModelWithOutcome(p, accurate)
	return true
}

// TriggerPredictiveWarming runs a prediction cycle and a warming cycle right
// away and returns the predictions that were queued.
func (m *Manager) TriggerPredictiveWarming(ctx context.Context) ([]prediction.Prediction, error) {
	preds := m.predictionCycle(ctx)
	if _, err := m.warm.ProcessQueue(ctx); err != nil {
		return preds, fmt.Errorf("process warming queue: %w", err)
	}
	return preds, nil
}

// predictionCycle generates predictions for every active session, plus one
// session-less pass so temporal keys are warmed when nobody is active.
func (m *Manager) predictionCycle(ctx context.Context) []prediction.Prediction {
	now := m.now()
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	sessions := m.an.ActiveSessions(now.Add(-cfg.SessionWindow))
	byKey := map[string]prediction.Prediction{}
	collect := func(ps []prediction.Prediction) {
		for _, p := range ps {
			if prev, ok := byKey[p.Key]; !ok || prev.Rank() < p.Rank() {
				byKey[p.Key] = p
			}
		}
	}

	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		recent := s.Keys
		if len(recent) > cfg.RecentKeys {
			recent = recent[len(recent)-cfg.RecentKeys:]
		}
		rc := usage.RequestContext{UserID: s.UserID, Timestamp: now}
		if len(s.QueryTypes) > 0 {
			rc.QueryType = s.QueryTypes[0]
		}
		patterns := m.an.PredictivePatterns(recent, rc)
		collect(m.models.GeneratePredictions(prediction.Context{
			SessionID:  s.ID,
			UserID:     s.UserID,
			RecentKeys: recent,
			QueryTypes: s.QueryTypes,
			Timestamp:  now,
		}, patterns))
	}
	if len(sessions) == 0 {
		collect(m.models.GeneratePredictions(prediction.Context{Timestamp: now}, nil))
	}

	out := make([]prediction.Prediction, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	queued := m.warm.QueuePredictions(out)

	m.mu.Lock()
	for _, p := range out {
		m.pending[p.Key] = p
	}
	m.lastRun = now
	m.mu.Unlock()

	m.log.Debug("prediction cycle",
		"sessions", len(sessions), "predictions", len(out), "queued", queued)
	return out
}

func (m *Manager) warmingCycle(ctx context.Context) {
	rep, err := m.warm.ProcessQueue(ctx)
	if err != nil {
		if !errors.Is(err, warming.ErrClosed) {
			m.log.Error("warming cycle failed", "err", err)
		}
		return
	}
	if len(rep.Started) > 0 || rep.Expired > 0 {
		m.log.Debug("warming cycle", "allowed", rep.Allowed, "started", len(rep.Started), "expired", rep.Expired)
	}
}

type pruner interface{ Prune(floor float64) int }

type unwrapper interface{ Inner() hotness.Interface }

// cleanupCycle drops stale patterns, decayed hotness entries and expired
// predictions (counted as misses), then persists learned state.
func (m *Manager) cleanupCycle(ctx context.Context) {
	removed := m.an.Cleanup()

	pruned := 0
	if h := m.hot; h != nil {
		if u, ok := h.(unwrapper); ok {
			h = u.Inner()
		}
		if p, ok := h.(pruner); ok {
			pruned = p.Prune(m.config().HotPruneFloor)
		}
	}

	now := m.now()
	var missed []prediction.Prediction
	m.mu.Lock()
	for k, p := range m.pending {
		if p.Expired(now) {
			missed = append(missed, p)
			delete(m.pending, k)
		}
	}
	m.mu.Unlock()
	for _, p := range missed {
		m.models.UpdateModelWithOutcome(p, false)
	}

	if err := m.saveState(ctx); err != nil {
		m.log.Warn("persist predictive state", "err", err)
	}
	m.log.Info("predictive cleanup",
		"patterns_removed", removed, "hot_pruned", pruned, "predictions_missed", len(missed))
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Shutdown stops the cycles, waits for in-flight warming and persists
// learned state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	c := m.stopLocked()
	m.mu.Unlock()

	c.Wait()
	var errs []error
	if err := m.warm.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.saveState(ctx); err != nil {
		errs = append(errs, fmt.Errorf("persist predictive state: %w", err))
	}
	return errors.Join(errs...)
}
