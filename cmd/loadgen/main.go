// Command loadgen replays a synthetic workload against perfcore: zipf-skewed
// cache accesses grouped into sessions plus query latency metrics with
// periodic spikes, over HTTP or as events on the ingest topic.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/perfcore/internal/cache/keys"
	"github.com/mohammed-shakir/perfcore/internal/core/httpclient"
	ingest "github.com/mohammed-shakir/perfcore/pkg/ingest/kafka"
)

type Config struct {
	TargetURL   string
	Mode        string
	Brokers     string
	Topic       string
	Concurrency int
	Duration    time.Duration
	RPS         float64
	Sessions    int
	Keys        int
	ZipfS       float64
	MetricEvery int
	SpikeEvery  int
	Output      string
	Timeout     time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "perfcore base URL")
	flag.StringVar(&cfg.Mode, "mode", "http", "delivery: http|kafka")
	flag.StringVar(&cfg.Brokers, "brokers", "localhost:9092", "kafka brokers (mode=kafka)")
	flag.StringVar(&cfg.Topic, "topic", "perf-events", "ingest topic (mode=kafka)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "test duration")
	flag.Float64Var(&cfg.RPS, "rps", 200, "total request rate; 0 means unlimited")
	flag.IntVar(&cfg.Sessions, "sessions", 50, "distinct sessions")
	flag.IntVar(&cfg.Keys, "keys", 200, "distinct cache keys")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.2, "zipf parameter s (>1)")
	flag.IntVar(&cfg.MetricEvery, "metric-every", 5, "send one metric per N accesses")
	flag.IntVar(&cfg.SpikeEvery, "spike-every", 500, "inject a latency spike every N metrics; 0 disables")
	flag.StringVar(&cfg.Output, "out", "", "optional summary JSON path")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "per-request timeout")
	flag.Parse()
	return cfg
}

// sender delivers one event. HTTP and kafka modes share the workload.
type sender interface {
	Send(ctx context.Context, ev ingest.Event) error
	Close() error
}

type httpSender struct {
	client *http.Client
	base   string
}

func (h *httpSender) Send(ctx context.Context, ev ingest.Event) error {
	var (
		path string
		body any
	)
	switch ev.Kind {
	case ingest.KindMetric:
		path = "/v1/metrics"
		body = map[string]any{
			"category": ev.Category, "name": ev.Name, "value": ev.Value, "unit": ev.Unit, "tags": ev.Tags,
		}
	case ingest.KindAccess:
		path = "/v1/cache/access"
		body = map[string]any{
			"key": ev.Key, "session_id": ev.SessionID, "query_type": ev.QueryType,
			"user_id": ev.UserID, "timestamp": ev.TS,
		}
	default:
		return fmt.Errorf("http mode cannot send %q events", ev.Kind)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

func (h *httpSender) Close() error { return nil }

type kafkaSender struct {
	prod  sarama.SyncProducer
	topic string
}

func newKafkaSender(brokers []string, topic string) (*kafkaSender, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Version = sarama.V2_5_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("producer create: %w", err)
	}
	return &kafkaSender{prod: prod, topic: topic}, nil
}

func (k *kafkaSender) Send(_ context.Context, ev ingest.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = k.prod.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(b),
	})
	return err
}

func (k *kafkaSender) Close() error { return k.prod.Close() }

// workload generates sessions that walk a shared key space. Each session
// follows a fixed route through its favourite keys so sequence patterns
// emerge; the zipf draw picks the occasional detour.
type workload struct {
	keys   []string
	routes [][]int
	zipf   *rand.Zipf
	r      *rand.Rand
}

func newWorkload(cfg Config, seed int64) *workload {
	r := rand.New(rand.NewSource(seed))
	w := &workload{r: r}
	for i := range cfg.Keys {
		cat := keys.Categories[i%len(keys.Categories)]
		w.keys = append(w.keys, keys.Key(cat, "lookup", fmt.Sprintf("id=%d", i)))
	}
	for range cfg.Sessions {
		route := make([]int, 3+r.Intn(3))
		for j := range route {
			route[j] = r.Intn(len(w.keys))
		}
		w.routes = append(w.routes, route)
	}
	w.zipf = rand.NewZipf(r, math.Max(cfg.ZipfS, 1.01), 1, uint64(len(w.keys)-1))
	return w
}

func (w *workload) access(session, step int) (key, queryType string) {
	route := w.routes[session%len(w.routes)]
	idx := route[step%len(route)]
	if w.r.Float64() < 0.2 {
		idx = int(w.zipf.Uint64())
	}
	key = w.keys[idx]
	return key, string(keys.ParseCategory(key))
}

type summary struct {
	StartTime  time.Time `json:"start"`
	EndTime    time.Time `json:"end"`
	Mode       string    `json:"mode"`
	Total      int64     `json:"total"`
	Errors     int64     `json:"errors"`
	Accesses   int64     `json:"accesses"`
	Metrics    int64     `json:"metrics"`
	Spikes     int64     `json:"spikes"`
	Throughput float64   `json:"throughput_rps"`
	P50Ms      float64   `json:"p50_ms"`
	P95Ms      float64   `json:"p95_ms"`
	P99Ms      float64   `json:"p99_ms"`
}

func main() {
	cfg := loadConfig()
	if cfg.Keys < 2 || cfg.Sessions < 1 || cfg.Concurrency < 1 {
		log.Fatalf("keys must be >= 2, sessions and concurrency >= 1")
	}

	var snd sender
	switch strings.ToLower(cfg.Mode) {
	case "http":
		snd = &httpSender{
			client: httpclient.NewOutbound(
				httpclient.WithTimeout(cfg.Timeout),
				httpclient.WithMaxIdleConnsPerHost(cfg.Concurrency*2),
			),
			base: strings.TrimRight(cfg.TargetURL, "/"),
		}
	case "kafka":
		ks, err := newKafkaSender(strings.Split(cfg.Brokers, ","), cfg.Topic)
		if err != nil {
			log.Fatalf("kafka: %v", err)
		}
		snd = ks
	default:
		log.Fatalf("unknown mode %q", cfg.Mode)
	}
	defer func() { _ = snd.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	lim := rate.NewLimiter(limit, max(1, cfg.Concurrency))

	var (
		total, errs, accesses, metricsSent, spikes atomic.Int64
		latMu                                      sync.Mutex
		latMs                                      []float64
	)
	seed := time.Now().UnixNano()
	start := time.Now()
	log.Printf("loadgen start mode=%s target=%s dur=%s conc=%d rps=%.0f sessions=%d keys=%d",
		cfg.Mode, cfg.TargetURL, cfg.Duration, cfg.Concurrency, cfg.RPS, cfg.Sessions, cfg.Keys)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wl := newWorkload(cfg, seed+int64(id))
			steps := map[int]int{}
			for n := 0; ; n++ {
				if err := lim.Wait(ctx); err != nil {
					return
				}
				ev := ingest.Event{ID: uuid.NewString(), TS: time.Now().UTC()}
				if cfg.MetricEvery > 0 && n%cfg.MetricEvery == cfg.MetricEvery-1 {
					ev.Kind = ingest.KindMetric
					ev.Category, ev.Name, ev.Unit = "database", "query_duration", "ms"
					ev.Value = 20 + wl.r.ExpFloat64()*15
					m := metricsSent.Add(1)
					if cfg.SpikeEvery > 0 && m%int64(cfg.SpikeEvery) == 0 {
						ev.Value *= 20
						spikes.Add(1)
					}
				} else {
					sess := (id + n*cfg.Concurrency) % cfg.Sessions
					ev.Kind = ingest.KindAccess
					ev.SessionID = fmt.Sprintf("sess-%d", sess)
					ev.UserID = fmt.Sprintf("user-%d", sess%10)
					ev.Key, ev.QueryType = wl.access(sess, steps[sess])
					steps[sess]++
					accesses.Add(1)
				}

				t0 := time.Now()
				err := snd.Send(ctx, ev)
				lat := float64(time.Since(t0).Microseconds()) / 1000
				total.Add(1)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					errs.Add(1)
					continue
				}
				latMu.Lock()
				latMs = append(latMs, lat)
				latMu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	end := time.Now()
	sort.Float64s(latMs)
	sum := summary{
		StartTime:  start.UTC(),
		EndTime:    end.UTC(),
		Mode:       cfg.Mode,
		Total:      total.Load(),
		Errors:     errs.Load(),
		Accesses:   accesses.Load(),
		Metrics:    metricsSent.Load(),
		Spikes:     spikes.Load(),
		Throughput: float64(total.Load()) / end.Sub(start).Seconds(),
		P50Ms:      percentile(latMs, 50),
		P95Ms:      percentile(latMs, 95),
		P99Ms:      percentile(latMs, 99),
	}
	log.Printf("done total=%d errors=%d rps=%.1f p50=%.2fms p95=%.2fms p99=%.2fms",
		sum.Total, sum.Errors, sum.Throughput, sum.P50Ms, sum.P95Ms, sum.P99Ms)

	if cfg.Output != "" {
		if err := writeSummary(cfg.Output, sum); err != nil {
			log.Printf("write summary: %v", err)
		}
	}
}

func writeSummary(path string, s summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), b, 0o600)
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}
