package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		cores int
		mem   uint64
		disk  float64
		want  Class
	}{
		{"high", 16, 32 * gib, 900, ClassHigh},
		{"high needs fast disk", 16, 32 * gib, 200, ClassMedium},
		{"few cores", 2, 32 * gib, 900, ClassLow},
		{"small memory", 8, 2 * gib, 900, ClassLow},
		{"slow disk", 8, 16 * gib, 10, ClassLow},
		{"medium", 4, 8 * gib, 120, ClassMedium},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Classify(c.cores, c.mem, c.disk))
		})
	}
}

func TestLatencyScale(t *testing.T) {
	assert.Equal(t, 1.0, Profile{Class: ClassHigh}.LatencyScale())
	assert.Equal(t, 1.5, Profile{Class: ClassMedium}.LatencyScale())
	assert.Equal(t, 2.5, Profile{Class: ClassLow}.LatencyScale())
}

func TestBenchmarkDisk_ReportsThroughput(t *testing.T) {
	mbps, err := BenchmarkDisk(context.Background(), t.TempDir(), 2, 64<<10)
	require.NoError(t, err)
	assert.Greater(t, mbps, 0.0)
}

func TestBenchmarkDisk_BadDirFails(t *testing.T) {
	_, err := BenchmarkDisk(context.Background(), "/nonexistent/perfcore/dir", 1, 1024)
	require.Error(t, err)
}

func TestRun_BenchmarkFailureFallsBackToDefault(t *testing.T) {
	p, err := Run(context.Background(), Options{BenchDir: "/nonexistent/perfcore/dir"})
	require.Error(t, err)
	assert.Equal(t, defaultDiskMBps, p.DiskMBps)
	assert.Positive(t, p.CPUCores)
	assert.NotEmpty(t, p.Class)
}

func TestLoad_UnderLoad(t *testing.T) {
	assert.False(t, Load{CPU: 0.5, Memory: 0.5}.UnderLoad())
	assert.True(t, Load{CPU: 0.71}.UnderLoad())
	assert.True(t, Load{Memory: 0.81}.UnderLoad())
}

func TestSampler_CachesWithinInterval(t *testing.T) {
	s := NewSampler(nil)
	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	first := s.Load(context.Background())
	require.Equal(t, base, first.SampledAt)
	assert.GreaterOrEqual(t, first.CPU, 0.0)
	assert.LessOrEqual(t, first.CPU, 1.0)

	s.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	second := s.Load(context.Background())
	assert.Equal(t, first, second)
}

func TestStatic(t *testing.T) {
	var lp LoadProvider = Static{CPU: 0.95}
	assert.Equal(t, 0.95, lp.Load(context.Background()).CPU)
}
