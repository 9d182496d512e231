package capability

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load is a point-in-time view of host pressure. CPU, Memory and IO are
// fractions in [0,1].
type Load struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	IO        float64   `json:"io"`
	HeapBytes uint64    `json:"heap_bytes"`
	SampledAt time.Time `json:"sampled_at"`
}

// UnderLoad reports cpu > 0.7 or memory > 0.8.
func (l Load) UnderLoad() bool {
	return l.CPU > 0.7 || l.Memory > 0.8
}

type LoadProvider interface {
	Load(ctx context.Context) Load
}

// Static is a fixed LoadProvider.
type Static Load

func (s Static) Load(context.Context) Load { return Load(s) }

// Sampler reads live load through gopsutil. Results are cached for MinInterval
// so hot paths can call Load freely.
type Sampler struct {
	MinInterval time.Duration

	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	last     Load
	lastIO   uint64
	lastIOAt time.Time
	disks    int
}

func NewSampler(log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{MinInterval: time.Second, log: log, now: time.Now}
}

func (s *Sampler) Load(ctx context.Context) Load {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.now()
	if !s.last.SampledAt.IsZero() && n.Sub(s.last.SampledAt) < s.MinInterval {
		return s.last
	}

	l := Load{SampledAt: n}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		s.log.Debug("cpu sample failed", "err", err)
		l.CPU = s.last.CPU
	} else if len(pct) > 0 {
		l.CPU = clamp01(pct[0] / 100)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		s.log.Debug("memory sample failed", "err", err)
		l.Memory = s.last.Memory
	} else {
		l.Memory = clamp01(vm.UsedPercent / 100)
	}
	l.IO = s.sampleIO(ctx, n)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	l.HeapBytes = ms.HeapInuse

	s.last = l
	return l
}

// sampleIO derives the busy fraction from the delta of summed per-disk io time.
func (s *Sampler) sampleIO(ctx context.Context, n time.Time) float64 {
	stats, err := disk.IOCountersWithContext(ctx)
	if err != nil || len(stats) == 0 {
		if err != nil {
			s.log.Debug("disk io sample failed", "err", err)
		}
		return s.last.IO
	}
	var busy uint64
	for _, st := range stats {
		busy += st.IoTime
	}
	prev, prevAt := s.lastIO, s.lastIOAt
	s.lastIO, s.lastIOAt, s.disks = busy, n, len(stats)
	if prevAt.IsZero() || busy < prev {
		return 0
	}
	elapsedMs := float64(n.Sub(prevAt).Milliseconds()) * float64(s.disks)
	if elapsedMs <= 0 {
		return s.last.IO
	}
	return clamp01(float64(busy-prev) / elapsedMs)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
