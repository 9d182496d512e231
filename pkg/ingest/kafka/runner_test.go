package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/perfcore/internal/alerting"
	"github.com/mohammed-shakir/perfcore/internal/usage"
)

type fakeCache struct {
	mu  sync.Mutex
	del []string
	err error
}

func (f *fakeCache) MGet(context.Context, []string) (map[string][]byte, error) { return nil, nil }
func (f *fakeCache) Set(context.Context, string, []byte, time.Duration) error  { return nil }
func (f *fakeCache) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	f.del = append(f.del, keys...)
	f.mu.Unlock()
	return f.err
}

type metricCall struct {
	category, name string
	value          float64
	tags           map[string]string
}

type fakeMonitor struct {
	mu    sync.Mutex
	calls []metricCall
}

func (f *fakeMonitor) RecordEnhancedMetric(_ context.Context, category, name string, value float64, _ string, tags map[string]string) *alerting.SmartAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, metricCall{category, name, value, tags})
	return nil
}

type accessCall struct {
	key, session string
	rc           usage.RequestContext
}

type fakeAccess struct {
	mu    sync.Mutex
	calls []accessCall
}

func (f *fakeAccess) RecordCacheAccess(key, sessionID string, rc usage.RequestContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accessCall{key, sessionID, rc})
}

type mockResetter struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockResetter) Reset(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, keys...)
}

func message(t *testing.T, ev Event, offset int64) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: "perf-events", Offset: offset, Timestamp: time.Now().UTC(), Value: b}
}

func TestHandleMessage_MetricAndDuplicate(t *testing.T) {
	mon := &fakeMonitor{}
	reg := prometheus.NewRegistry()
	r := New(Config{Enabled: true}, Options{Register: reg, Metrics: mon})
	ctx := context.Background()

	msg := message(t, Event{ID: "m-1", Kind: KindMetric, Category: "database", Name: "query_duration", Value: 120, Tags: map[string]string{"db": "main"}}, 1)
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("duplicate handleMessage: %v", err)
	}
	if len(mon.calls) != 1 {
		t.Fatalf("metric calls = %d, want 1", len(mon.calls))
	}
	c := mon.calls[0]
	if c.category != "database" || c.name != "query_duration" || c.value != 120 || c.tags["db"] != "main" {
		t.Fatalf("unexpected call %+v", c)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("duplicate counter = %v, want 1", got)
	}

	// events without an id are never deduplicated
	anon := message(t, Event{Kind: KindMetric, Category: "search", Name: "fts_duration", Value: 9}, 2)
	_ = r.handleMessage(ctx, anon)
	_ = r.handleMessage(ctx, anon)
	if len(mon.calls) != 3 {
		t.Fatalf("metric calls = %d, want 3", len(mon.calls))
	}
}

func TestHandleMessage_AccessUsesMessageTimestamp(t *testing.T) {
	acc := &fakeAccess{}
	r := New(Config{Enabled: true}, Options{Register: prometheus.NewRegistry(), Access: acc})

	msg := message(t, Event{ID: "a-1", Kind: KindAccess, Key: "search:abc", SessionID: "s1", QueryType: "search"}, 1)
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(acc.calls) != 1 {
		t.Fatalf("access calls = %d, want 1", len(acc.calls))
	}
	got := acc.calls[0]
	if got.key != "search:abc" || got.session != "s1" || got.rc.QueryType != "search" {
		t.Fatalf("unexpected call %+v", got)
	}
	if !got.rc.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("timestamp = %v, want %v", got.rc.Timestamp, msg.Timestamp)
	}
}

func TestHandleMessage_InvalidateDeletesAndResetsHotness(t *testing.T) {
	fc := &fakeCache{}
	hot := &mockResetter{}
	r := New(Config{Enabled: true}, Options{Register: prometheus.NewRegistry(), Metrics: &fakeMonitor{}, Cache: fc, Hotness: hot})

	msg := message(t, Event{ID: "i-1", Kind: KindInvalidate, Key: "a", Keys: []string{"b", "c"}}, 1)
	if err := r.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(fc.del) != 3 || fc.del[0] != "a" {
		t.Fatalf("deleted = %v", fc.del)
	}
	if len(hot.calls) != 3 {
		t.Fatalf("resets = %v", hot.calls)
	}

	fc.err = errors.New("redis down")
	err := r.handleMessage(context.Background(), message(t, Event{ID: "i-2", Kind: KindInvalidate, Keys: []string{"d"}}, 2))
	if err == nil || errors.Is(err, ErrInvalid) {
		t.Fatalf("want retryable error, got %v", err)
	}
	if len(hot.calls) != 3 {
		t.Fatalf("hotness reset after failed delete: %v", hot.calls)
	}
}

func TestHandleMessage_InvalidIsTerminal(t *testing.T) {
	r := New(Config{Enabled: true}, Options{Register: prometheus.NewRegistry(), Metrics: &fakeMonitor{}})
	ctx := context.Background()

	cases := []*sarama.ConsumerMessage{
		{Value: []byte("{not json")},
		message(t, Event{Kind: "bogus"}, 1),
		message(t, Event{Kind: KindMetric, Name: "x"}, 2),
		message(t, Event{Kind: KindAccess}, 3),
		message(t, Event{Kind: KindInvalidate}, 4),
	}
	for i, m := range cases {
		if err := r.handleMessage(ctx, m); !errors.Is(err, ErrInvalid) {
			t.Fatalf("case %d: err = %v, want ErrInvalid", i, err)
		}
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues("invalid")); got != float64(len(cases)) {
		t.Fatalf("invalid counter = %v", got)
	}
}

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return map[string][]int32{"perf-events": {0, 3}} }
func (s *fakeSession) MemberID() string                         { return "m" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}

type fakeClaim struct{ ch chan *sarama.ConsumerMessage }

func (c fakeClaim) Topic() string                            { return "perf-events" }
func (c fakeClaim) Partition() int32                         { return 0 }
func (c fakeClaim) InitialOffset() int64                     { return 0 }
func (c fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestConsumeClaim_SkipsInvalidStopsOnApplyError(t *testing.T) {
	fc := &fakeCache{}
	mon := &fakeMonitor{}
	r := New(Config{Enabled: true}, Options{Register: prometheus.NewRegistry(), Metrics: mon, Cache: fc})
	h := &groupHandler{log: r.log, process: r.handleMessage}

	sess := &fakeSession{ctx: context.Background()}
	claim := fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}
	claim.ch <- message(t, Event{ID: "1", Kind: KindMetric, Category: "memory", Name: "heap_usage", Value: 0.5}, 10)
	claim.ch <- &sarama.ConsumerMessage{Offset: 11, Value: []byte("garbage")}
	claim.ch <- message(t, Event{ID: "2", Kind: KindMetric, Category: "memory", Name: "heap_usage", Value: 0.6}, 12)
	close(claim.ch)

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(sess.marked) != 3 {
		t.Fatalf("marked = %v, want all three", sess.marked)
	}
	if len(mon.calls) != 2 {
		t.Fatalf("metric calls = %d", len(mon.calls))
	}

	fc.err = errors.New("redis down")
	sess2 := &fakeSession{ctx: context.Background()}
	claim2 := fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	claim2.ch <- message(t, Event{ID: "3", Kind: KindInvalidate, Keys: []string{"k"}}, 20)
	claim2.ch <- message(t, Event{ID: "4", Kind: KindMetric, Category: "memory", Name: "heap_usage", Value: 0.7}, 21)
	close(claim2.ch)
	if err := h.ConsumeClaim(sess2, claim2); err == nil {
		t.Fatal("want apply error to end the claim")
	}
	if len(sess2.marked) != 0 {
		t.Fatalf("marked after failure = %v", sess2.marked)
	}
}

func TestReadinessFollowsAssignment(t *testing.T) {
	r := New(Config{Enabled: true}, Options{Register: prometheus.NewRegistry(), Metrics: &fakeMonitor{}})
	if ok, _ := r.Readiness(); ok {
		t.Fatal("ready before assignment")
	}
	r.assignMu.Lock()
	r.assigned.Store(true)
	r.assign = map[int32]struct{}{0: {}, 3: {}}
	r.assignMu.Unlock()
	ok, parts := r.Readiness()
	if !ok || len(parts) != 2 {
		t.Fatalf("ready=%v parts=%v", ok, parts)
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(Config{}, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()

	r = New(Config{Enabled: true}, Options{})
	if err := r.Start(context.Background()); err == nil {
		t.Fatal("want error without recorders")
	}
}

func TestSaramaConfig(t *testing.T) {
	c := DefaultConfig()
	c.SASL = SASLConfig{Enable: true, Username: "u", Password: "p"}
	sc, err := c.saramaConfig()
	if err != nil {
		t.Fatalf("saramaConfig: %v", err)
	}
	if sc.Consumer.Offsets.Initial != sarama.OffsetOldest || !sc.Net.SASL.Enable {
		t.Fatalf("unexpected config")
	}
	c.SASL.Mechanism = "SCRAM-SHA-512"
	if _, err := c.saramaConfig(); err == nil {
		t.Fatal("want unsupported mechanism error")
	}
	c.SASL = SASLConfig{}
	c.TLS = TLSConfig{Enable: true, CaFile: "/nonexistent/ca.pem"}
	if _, err := c.saramaConfig(); err == nil {
		t.Fatal("want missing ca error")
	}
}
