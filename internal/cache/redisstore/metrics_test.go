package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/perfcore/internal/core/observability"
)

// counter sums the samples of family name whose labels include want.
func counter(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if have[k] != v {
					continue next
				}
			}
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func TestMetrics_OpsHitsMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)
	observability.SetInstance("test")

	mr, rc := newMini(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "k:hit", []byte("v"), time.Minute))
	_, err := rc.MGet(ctx, []string{"k:hit", "k:miss"})
	require.NoError(t, err)
	_, _, err = rc.Get(ctx, "k:absent")
	require.NoError(t, err)
	_, _, err = rc.TTL(ctx, "k:hit")
	require.NoError(t, err)

	mr.SetError("ERR injected")
	require.Error(t, rc.Del(ctx, "k:hit"))
	mr.SetError("")

	assert.Equal(t, 1.0, counter(t, reg, "perfcore_cache_hits_total", nil))
	assert.Equal(t, 1.0, counter(t, reg, "perfcore_cache_misses_total", nil))
	assert.Equal(t, 1.0, counter(t, reg, "cache_op_total", map[string]string{"op": "get", "result": "ok"}))
	assert.Equal(t, 1.0, counter(t, reg, "cache_op_total", map[string]string{"op": "ttl", "result": "ok"}))
	assert.Equal(t, 1.0, counter(t, reg, "cache_op_total", map[string]string{"op": "del", "result": "error"}))
}
