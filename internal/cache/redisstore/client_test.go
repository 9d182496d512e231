package redisstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := New(ctx, mr.Addr(), WithPoolSize(4), WithOpTimeout(500*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), "")
	require.Error(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()
	_, err = New(context.Background(), addr, WithDialTimeout(100*time.Millisecond))
	require.ErrorContains(t, err, "redis ping")
}

func TestNew_Auth(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	_, err := New(context.Background(), mr.Addr())
	require.Error(t, err)

	rc, err := New(context.Background(), mr.Addr(), WithAuth("s3cret", 0))
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestWarmEntries_SetMGetDel(t *testing.T) {
	mr, rc := newMini(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "search:q:p=1", []byte("v1"), 5*time.Minute))
	require.NoError(t, rc.Set(ctx, "search:q:p=2", []byte("v2"), time.Minute))

	got, err := rc.MGet(ctx, []string{"search:q:p=1", "search:q:p=2", "search:q:p=3"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"search:q:p=1": []byte("v1"),
		"search:q:p=2": []byte("v2"),
	}, got)

	got, err = rc.MGet(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, rc.Del(ctx, "search:q:p=1", "search:q:p=2"))
	require.NoError(t, rc.Del(ctx))
	assert.False(t, mr.Exists("search:q:p=1"))
}

func TestMGet_DropsExpired(t *testing.T) {
	mr, rc := newMini(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "ttl-key", []byte("v"), 2*time.Second))
	got, err := rc.MGet(ctx, []string{"ttl-key"})
	require.NoError(t, err)
	assert.Equal(t, "v", string(got["ttl-key"]))

	mr.FastForward(3 * time.Second)

	got, err = rc.MGet(ctx, []string{"ttl-key"})
	require.NoError(t, err)
	assert.NotContains(t, got, "ttl-key")
}

func TestTTL(t *testing.T) {
	mr, rc := newMini(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "expiring", []byte("v"), 90*time.Second))
	require.NoError(t, mr.Set("pinned", "v"))

	left, found, err := rc.TTL(ctx, "expiring")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 90*time.Second, left)

	_, found, err = rc.TTL(ctx, "pinned")
	require.ErrorIs(t, err, ErrNoExpiry)
	assert.True(t, found)

	_, found, err = rc.TTL(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateBlob_GetAndPing(t *testing.T) {
	_, rc := newMini(t)
	ctx := context.Background()

	require.NoError(t, rc.Ping(ctx))

	_, found, err := rc.Get(ctx, "perfcore:state:thresholds")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.Set(ctx, "perfcore:state:thresholds", []byte{0x28, 0xb5}, 0))
	v, found, err := rc.Get(ctx, "perfcore:state:thresholds")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{0x28, 0xb5}, v)
}

func TestCanceledContext(t *testing.T) {
	_, rc := newMini(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, rc.Set(ctx, "k", []byte("v"), time.Second))
	_, err := rc.MGet(ctx, []string{"k"})
	require.Error(t, err)
	_, _, err = rc.TTL(ctx, "k")
	require.Error(t, err)
	require.Error(t, rc.Del(ctx, "k"))
}
