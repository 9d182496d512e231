package main

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/perfcore/internal/cache/redisstore"
	"github.com/mohammed-shakir/perfcore/internal/core/config"
	"github.com/mohammed-shakir/perfcore/internal/state"
)

var errNoRedis = errors.New("state driver redis needs a redis connection")

// openStateStore picks the persistence backend. A nil store with a nil error
// means persistence is switched off.
func openStateStore(cfg config.Config, kv state.KV) (state.Store, error) {
	switch cfg.StateDriver {
	case "", "file":
		fs, err := state.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, fmt.Errorf("open state dir: %w", err)
		}
		return fs, nil
	case "redis":
		if kv == nil {
			return nil, errNoRedis
		}
		return state.NewRedisStore(kv, ""), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.StateDriver)
	}
}

func redisOptions(cfg config.Config) []redisstore.Option {
	opts := []redisstore.Option{redisstore.WithAuth(cfg.RedisPassword, cfg.RedisDB)}
	if cfg.CacheOpTimeout > 0 {
		opts = append(opts, redisstore.WithOpTimeout(cfg.CacheOpTimeout))
	}
	return opts
}
