// Package kafka consumes performance events (metrics, cache accesses and
// cache invalidations) from a Kafka topic and applies them to the monitor,
// the predictive cache manager and the cache.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/perfcore/internal/alerting"
	"github.com/mohammed-shakir/perfcore/internal/cache"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/usage"
)

type MetricRecorder interface {
	RecordEnhancedMetric(ctx context.Context, category, name string, value float64, unit string, tags map[string]string) *alerting.SmartAlert
}

type AccessRecorder interface {
	RecordCacheAccess(key, sessionID string, rc usage.RequestContext)
}

type HotnessResetter interface {
	Reset(keys ...string)
}

type Runner struct {
	log      *slog.Logger
	cfg      Config
	metrics  MetricRecorder
	access   AccessRecorder
	cache    cache.Interface
	hot      HotnessResetter
	ms       *metricSet
	seen     *idDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Metrics  MetricRecorder
	Access   AccessRecorder
	// Cache and Hotness receive invalidate events; without a cache they
	// are counted as skipped.
	Cache   cache.Interface
	Hotness HotnessResetter
}

func New(cfg Config, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:     opts.Logger.With("component", "ingest"),
		cfg:     cfg,
		metrics: opts.Metrics,
		access:  opts.Access,
		cache:   opts.Cache,
		hot:     opts.Hotness,
		ms:      newMetricSet(opts.Register),
		seen:    newIDDedupe(cfg.DedupeSize),
		assign:  map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("kafka ingest disabled")
		return nil
	}
	if r.metrics == nil && r.access == nil {
		return errors.New("kafka runner: a metric or access recorder is required")
	}

	cfg, err := r.cfg.saramaConfig()
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		log: r.log,
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka ingest runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka ingest runner stopped")
}

// Readiness reports whether partitions are currently assigned.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.reject("decode")
		return fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	if err := ev.Validate(); err != nil {
		r.reject("validate")
		return err
	}
	if !r.seen.firstSeen(ev.ID) {
		r.ms.msgs.WithLabelValues("duplicate").Inc()
		return nil
	}
	if ev.TS.IsZero() {
		ev.TS = msg.Timestamp
	}

	err := r.apply(ctx, ev)
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		observability.IncIngestError("apply")
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
	return err
}

func (r *Runner) reject(stage string) {
	r.ms.msgs.WithLabelValues("invalid").Inc()
	observability.IncIngestError(stage)
}

func (r *Runner) apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindMetric:
		if r.metrics == nil {
			r.ms.apply.WithLabelValues("metric_skipped").Inc()
			return nil
		}
		r.metrics.RecordEnhancedMetric(ctx, ev.Category, ev.Name, ev.Value, ev.Unit, ev.Tags)
	case KindAccess:
		if r.access == nil {
			r.ms.apply.WithLabelValues("access_skipped").Inc()
			return nil
		}
		r.access.RecordCacheAccess(ev.Key, ev.SessionID, usage.RequestContext{
			QueryType: ev.QueryType,
			UserID:    ev.UserID,
			Timestamp: ev.TS,
		})
	case KindInvalidate:
		ks := ev.Keys
		if ev.Key != "" {
			ks = append([]string{ev.Key}, ks...)
		}
		if r.cache == nil {
			r.ms.apply.WithLabelValues("invalidate_skipped").Inc()
			return nil
		}
		if err := r.cache.Del(ctx, ks...); err != nil {
			return fmt.Errorf("redis del (%d keys): %w", len(ks), err)
		}
		if r.hot != nil {
			r.hot.Reset(ks...)
		}
	}
	r.ms.apply.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

type groupHandler struct {
	log     *slog.Logger
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

// ConsumeClaim marks invalid messages and moves on; any other error ends the
// session so the message is redelivered.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			if !errors.Is(err, ErrInvalid) {
				return err
			}
			h.log.Warn("skipping invalid ingest message",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
