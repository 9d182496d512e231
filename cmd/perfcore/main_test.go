package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/perfcore/internal/cache/redisstore"
	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/config"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/threshold"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOpenStateStore(t *testing.T) {
	dir := t.TempDir()

	s, err := openStateStore(config.Config{StateDriver: "file", StateDir: dir}, nil)
	require.NoError(t, err)
	assert.IsType(t, &state.FileStore{}, s)

	s, err = openStateStore(config.Config{StateDriver: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = openStateStore(config.Config{StateDriver: "redis"}, nil)
	assert.ErrorIs(t, err, errNoRedis)

	_, err = openStateStore(config.Config{StateDriver: "etcd"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	s, err = openStateStore(config.Config{StateDriver: "redis"}, rc)
	require.NoError(t, err)
	assert.IsType(t, &state.RedisStore{}, s)
}

func TestProfileCommand(t *testing.T) {
	out, err := execute(t, "profile", "--skip-bench")
	require.NoError(t, err)

	var p capability.Profile
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Positive(t, p.CPUCores)
	assert.NotEmpty(t, p.Class)
}

func TestReportCommand(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "report", "--driver", "file", "--state-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no persisted thresholds")

	store, err := state.NewFileStore(dir)
	require.NoError(t, err)
	prof := capability.Profile{CPUCores: 16, MemoryTotal: 32 << 30, DiskMBps: 900, Class: capability.ClassHigh}
	m := threshold.New(threshold.Config{}, threshold.Deps{Store: store, Profile: &prof})
	m.Init(context.Background())
	require.NoError(t, m.Save(context.Background()))

	out, err := execute(t, "report", "--driver", "file", "--state-dir", dir)
	require.NoError(t, err)
	var rep struct {
		Thresholds []struct {
			ID           string  `json:"id"`
			CurrentValue float64 `json:"current_value"`
		} `json:"thresholds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.NotEmpty(t, rep.Thresholds)

	found := false
	for _, th := range rep.Thresholds {
		if th.ID == "database:query_duration" {
			found = true
			assert.Equal(t, 100.0, th.CurrentValue)
		}
	}
	assert.True(t, found)
}

func TestRun_UnknownCommand(t *testing.T) {
	assert.Equal(t, 1, run([]string{"bogus"}))
}
