package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mohammed-shakir/perfcore/internal/cache/keys"
	ingest "github.com/mohammed-shakir/perfcore/pkg/ingest/kafka"
)

func TestPercentile(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	if got := percentile(xs, 50); got != 3 {
		t.Fatalf("p50=%v want 3", got)
	}
	if got := percentile(xs, 100); got != 5 {
		t.Fatalf("p100=%v want 5", got)
	}
	if got := percentile(xs, 25); got != 2 {
		t.Fatalf("p25=%v want 2", got)
	}
	if got := percentile(nil, 99); got != 0 {
		t.Fatalf("empty=%v want 0", got)
	}
}

func TestWorkload_RoutesRepeat(t *testing.T) {
	cfg := Config{Keys: 20, Sessions: 3, ZipfS: 1.2}
	w := newWorkload(cfg, 42)
	if len(w.keys) != 20 || len(w.routes) != 3 {
		t.Fatalf("keys=%d routes=%d", len(w.keys), len(w.routes))
	}
	for _, k := range w.keys {
		if keys.ParseCategory(k) == "" {
			t.Fatalf("key %q has no category", k)
		}
	}
	onRoute := 0
	route := w.routes[1]
	for step := range 200 {
		k, qt := w.access(1, step)
		if qt == "" {
			t.Fatalf("empty query type for %q", k)
		}
		if k == w.keys[route[step%len(route)]] {
			onRoute++
		}
	}
	if onRoute < 120 {
		t.Fatalf("only %d/200 accesses followed the session route", onRoute)
	}
}

func TestHTTPSender_Routes(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := &httpSender{client: srv.Client(), base: srv.URL}
	ctx := context.Background()
	if err := s.Send(ctx, ingest.Event{Kind: ingest.KindMetric, Category: "database", Name: "query_duration", Value: 12}); err != nil {
		t.Fatalf("metric: %v", err)
	}
	if err := s.Send(ctx, ingest.Event{Kind: ingest.KindAccess, Key: "search:a", SessionID: "s1", TS: time.Now()}); err != nil {
		t.Fatalf("access: %v", err)
	}
	if err := s.Send(ctx, ingest.Event{Kind: ingest.KindInvalidate}); err == nil {
		t.Fatal("invalidate over http should fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 2 || paths[0] != "/v1/metrics" || paths[1] != "/v1/cache/access" {
		t.Fatalf("paths=%v", paths)
	}
	if body["key"] != "search:a" || body["session_id"] != "s1" {
		t.Fatalf("access body=%v", body)
	}
}
