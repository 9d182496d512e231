package warming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/cache"
	"github.com/mohammed-shakir/perfcore/internal/cache/keys"
	"github.com/mohammed-shakir/perfcore/internal/cache/redisstore"
)

// Filler computes and stores the value for one cache key.
type Filler interface {
	Fill(ctx context.Context, key string, category keys.Category) (FillResult, error)
}

type FillResult struct {
	Bytes int
	// Cached is set when the key was already present and nothing was computed.
	Cached bool
}

type FillerFunc func(ctx context.Context, key string, category keys.Category) (FillResult, error)

func (f FillerFunc) Fill(ctx context.Context, key string, category keys.Category) (FillResult, error) {
	return f(ctx, key, category)
}

// Resolver computes the value behind a cache key. The computation itself
// lives in the owning service.
type Resolver interface {
	Resolve(ctx context.Context, key string, category keys.Category) ([]byte, error)
}

// HTTPResolver asks the owning service to compute a key:
// GET {BaseURL}/resolve/{category}?key=...
type HTTPResolver struct {
	Client  *http.Client
	BaseURL string
	// MaxBody bounds the accepted response size. Defaults to 8 MiB.
	MaxBody int64
}

func (h *HTTPResolver) Resolve(ctx context.Context, key string, category keys.Category) ([]byte, error) {
	if h.BaseURL == "" {
		return nil, errors.New("resolver base url is required")
	}
	u := strings.TrimRight(h.BaseURL, "/") + "/resolve/" + url.PathEscape(string(category)) +
		"?key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build resolve request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := h.MaxBody
	if limit <= 0 {
		limit = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read resolve body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve %q: status %d: %s", key, resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

// StoreFiller resolves a key and writes the result into the cache with a
// per-category TTL. Keys already present are left alone unless the store can
// report expiry and the entry expires within RefreshWithin.
type StoreFiller struct {
	Resolver      Resolver
	Store         cache.Interface
	TTLDefault    time.Duration
	TTLByCat      map[string]time.Duration
	RefreshWithin time.Duration
}

// expiryReader is implemented by stores that can report remaining lifetime.
type expiryReader interface {
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

var _ Filler = (*StoreFiller)(nil)

func (s *StoreFiller) Fill(ctx context.Context, key string, category keys.Category) (FillResult, error) {
	cached, err := s.fresh(ctx, key)
	if err != nil {
		return FillResult{}, err
	}
	if cached {
		return FillResult{Cached: true}, nil
	}
	val, err := s.Resolver.Resolve(ctx, key, category)
	if err != nil {
		return FillResult{}, err
	}
	if err := s.Store.Set(ctx, key, val, s.ttlFor(category)); err != nil {
		return FillResult{}, fmt.Errorf("store warmed value: %w", err)
	}
	return FillResult{Bytes: len(val)}, nil
}

// fresh reports whether key is cached and not about to expire.
func (s *StoreFiller) fresh(ctx context.Context, key string) (bool, error) {
	if er, ok := s.Store.(expiryReader); ok && s.RefreshWithin > 0 {
		left, found, err := er.TTL(ctx, key)
		switch {
		case errors.Is(err, redisstore.ErrNoExpiry):
			return true, nil
		case err != nil:
			return false, fmt.Errorf("check expiry: %w", err)
		}
		return found && left > s.RefreshWithin, nil
	}
	have, err := s.Store.MGet(ctx, []string{key})
	if err != nil {
		return false, fmt.Errorf("check cached: %w", err)
	}
	_, ok := have[key]
	return ok, nil
}

func (s *StoreFiller) ttlFor(c keys.Category) time.Duration {
	if d, ok := s.TTLByCat[string(c)]; ok && d > 0 {
		return d
	}
	if s.TTLDefault > 0 {
		return s.TTLDefault
	}
	return 15 * time.Minute
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
