// Package warming schedules predicted cache keys for background filling under
// live CPU, heap and concurrency budgets.
package warming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/cache/keys"
	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/prediction"
)

var ErrClosed = errors.New("warming engine closed")

type Config struct {
	MaxCPU        float64
	MaxHeapBytes  uint64
	MaxConcurrent int
	OpsPerCycle   int
	QueueCap      int
	FillTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxCPU:        0.8,
		MaxHeapBytes:  512 << 20,
		MaxConcurrent: 3,
		OpsPerCycle:   5,
		QueueCap:      100,
		FillTimeout:   10 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxCPU <= 0 {
		c.MaxCPU = d.MaxCPU
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.OpsPerCycle <= 0 {
		c.OpsPerCycle = d.OpsPerCycle
	}
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	if c.FillTimeout <= 0 {
		c.FillTimeout = d.FillTimeout
	}
}

type Stats struct {
	Queued      int           `json:"queued"`
	InFlight    int           `json:"in_flight"`
	Success     int64         `json:"success"`
	Failed      int64         `json:"failed"`
	AlreadyWarm int64         `json:"already_warm"`
	Dropped     int64         `json:"dropped"`
	TimeSaved   time.Duration `json:"time_saved"`
	SuccessRate float64       `json:"success_rate"`
	LastCycle   CycleReport   `json:"last_cycle"`
}

type CycleReport struct {
	At      time.Time       `json:"at"`
	Allowed int             `json:"allowed"`
	Started []string        `json:"started,omitempty"`
	Expired int             `json:"expired"`
	Load    capability.Load `json:"load"`
}

type Engine struct {
	log    *slog.Logger
	filler Filler
	load   capability.LoadProvider
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	queue     []prediction.Prediction
	inflight  map[string]struct{}
	closed    bool
	lastCycle CycleReport

	wg          sync.WaitGroup
	success     atomic.Int64
	failed      atomic.Int64
	alreadyWarm atomic.Int64
	dropped     atomic.Int64
	savedNanos  atomic.Int64
}

func New(cfg Config, filler Filler, load capability.LoadProvider, log *slog.Logger) *Engine {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	if load == nil {
		load = capability.Static{}
	}
	return &Engine{
		log:      log,
		filler:   filler,
		load:     load,
		now:      time.Now,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
}

// UpdateConfig swaps the resource ceilings used from the next cycle on.
func (e *Engine) UpdateConfig(fn func(*Config)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.cfg)
	e.cfg.normalize()
	e.trimLocked()
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// QueuePredictions merges preds into the priority queue. Keys already being
// warmed are skipped; a key already queued keeps the stronger entry. When the
// queue exceeds its cap the lowest-priority entries are dropped. It returns
// the number of predictions accepted.
func (e *Engine) QueuePredictions(preds []prediction.Prediction) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}

	idx := make(map[string]int, len(e.queue))
	for i, p := range e.queue {
		idx[p.Key] = i
	}
	accepted := 0
	for _, p := range preds {
		if p.Key == "" {
			continue
		}
		if _, busy := e.inflight[p.Key]; busy {
			continue
		}
		if i, ok := idx[p.Key]; ok {
			if less(e.queue[i], p) {
				e.queue[i] = p
				accepted++
			}
			continue
		}
		idx[p.Key] = len(e.queue)
		e.queue = append(e.queue, p)
		accepted++
	}
	e.trimLocked()
	return accepted
}

// less orders by priority, then confidence.
func less(a, b prediction.Prediction) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Confidence < b.Confidence
}

func (e *Engine) trimLocked() {
	sort.SliceStable(e.queue, func(i, j int) bool { return less(e.queue[j], e.queue[i]) })
	if over := len(e.queue) - e.cfg.QueueCap; over > 0 {
		e.queue = e.queue[:e.cfg.QueueCap]
		e.dropped.Add(int64(over))
	}
	observability.SetWarmingQueueDepth(len(e.queue))
}

// AllowedOps is the per-cycle budget: OpsPerCycle, halved for each breached
// CPU or heap ceiling, bounded by free concurrency slots, and zero once the
// in-flight ceiling is reached.
func AllowedOps(cfg Config, load capability.Load, inflight int) int {
	if inflight >= cfg.MaxConcurrent {
		return 0
	}
	n := cfg.OpsPerCycle
	if load.CPU > cfg.MaxCPU {
		n /= 2
	}
	if cfg.MaxHeapBytes > 0 && load.HeapBytes > cfg.MaxHeapBytes {
		n /= 2
	}
	return min(n, cfg.MaxConcurrent-inflight)
}

// ProcessQueue runs one scheduling cycle. Fills run in their own goroutines
// with FillTimeout, detached from ctx, so a slow fill never delays the next
// cycle.
func (e *Engine) ProcessQueue(ctx context.Context) (CycleReport, error) {
	load := e.load.Load(ctx)
	now := e.now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return CycleReport{}, ErrClosed
	}
	rep := CycleReport{At: now, Load: load}

	live := e.queue[:0]
	for _, p := range e.queue {
		if p.Expired(now) {
			rep.Expired++
			continue
		}
		live = append(live, p)
	}
	e.queue = live

	rep.Allowed = AllowedOps(e.cfg, load, len(e.inflight))
	var batch []prediction.Prediction
	for len(batch) < rep.Allowed && len(e.queue) > 0 {
		p := e.queue[0]
		e.queue = e.queue[1:]
		if _, busy := e.inflight[p.Key]; busy {
			continue
		}
		e.inflight[p.Key] = struct{}{}
		batch = append(batch, p)
		rep.Started = append(rep.Started, p.Key)
	}
	timeout := e.cfg.FillTimeout
	e.wg.Add(len(batch))
	e.lastCycle = rep
	queued := len(e.queue)
	observability.SetWarmingQueueDepth(queued)
	e.mu.Unlock()

	for _, p := range batch {
		go e.run(p, timeout)
	}
	if rep.Allowed == 0 && queued > 0 {
		e.log.Debug("warming throttled", "cpu", load.CPU, "heap", load.HeapBytes)
	}
	return rep, nil
}

func (e *Engine) run(p prediction.Prediction, timeout time.Duration) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, p.Key)
		e.mu.Unlock()
	}()

	cat := keys.ParseCategory(p.Key)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := e.now()
	res, err := e.fill(ctx, p.Key, cat)
	dur := e.now().Sub(start)

	switch {
	case err != nil:
		e.failed.Add(1)
		observability.IncWarming("failed", string(cat))
		e.log.Warn("cache warming failed",
			"key", p.Key, "category", string(cat), "model", string(p.Model), "err", err)
	case res.Cached:
		e.alreadyWarm.Add(1)
		observability.IncWarming("already_warm", string(cat))
	default:
		e.success.Add(1)
		e.savedNanos.Add(int64(dur))
		observability.IncWarming("success", string(cat))
		e.log.Debug("cache warmed",
			"key", p.Key, "category", string(cat), "bytes", res.Bytes, "dur", dur.String())
	}
}

func (e *Engine) fill(ctx context.Context, key string, cat keys.Category) (res FillResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fill panic: %v", r)
		}
	}()
	if e.filler == nil {
		return FillResult{}, errors.New("no filler configured")
	}
	return e.filler.Fill(ctx, key, cat)
}

func (e *Engine) snapshotQueue() []prediction.Prediction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]prediction.Prediction, len(e.queue))
	copy(out, e.queue)
	return out
}

// Queue returns the queued predictions in drain order.
func (e *Engine) Queue() []prediction.Prediction { return e.snapshotQueue() }

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{
		Queued:    len(e.queue),
		InFlight:  len(e.inflight),
		LastCycle: e.lastCycle,
	}
	e.mu.Unlock()
	st.Success = e.success.Load()
	st.Failed = e.failed.Load()
	st.AlreadyWarm = e.alreadyWarm.Load()
	st.Dropped = e.dropped.Load()
	st.TimeSaved = time.Duration(e.savedNanos.Load())
	if total := st.Success + st.Failed; total > 0 {
		st.SuccessRate = float64(st.Success) / float64(total)
	}
	return st
}

// Shutdown stops scheduling and waits for in-flight fills until ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.queue = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("warming shutdown: %w", ctx.Err())
	}
}
