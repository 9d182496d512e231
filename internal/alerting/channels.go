package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/time/rate"
)

// Channel delivers one alert. Implementations must be safe for concurrent use.
type Channel interface {
	ID() string
	Kind() string
	Send(ctx context.Context, a *SmartAlert) error
}

// Policy gates delivery on one channel. QuietStart and QuietEnd are hours;
// equal values disable quiet hours, during which only critical alerts go
// out. Weekends allows non-critical delivery on Saturday and Sunday.
type Policy struct {
	MinSeverity Severity      `json:"min_severity"`
	QuietStart  int           `json:"quiet_start"`
	QuietEnd    int           `json:"quiet_end"`
	Weekends    bool          `json:"weekends"`
	MaxPerHour  int           `json:"max_per_hour"`
	Cooldown    time.Duration `json:"cooldown"`
}

func DefaultPolicy() Policy {
	return Policy{MinSeverity: SeverityLow, Weekends: true, MaxPerHour: 60}
}

func (p Policy) quiet(t time.Time) bool {
	if p.QuietStart == p.QuietEnd {
		return false
	}
	h := t.Hour()
	if p.QuietStart < p.QuietEnd {
		return h >= p.QuietStart && h < p.QuietEnd
	}
	return h >= p.QuietStart || h < p.QuietEnd
}

// route pairs a channel with its policy, rate limiter and delivery health.
type route struct {
	ch      Channel
	pol     Policy
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSent map[string]time.Time
	health   ChannelHealth
}

type ChannelHealth struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Healthy     bool      `json:"healthy"`
	Sent        int64     `json:"sent"`
	Failed      int64     `json:"failed"`
	Filtered    int64     `json:"filtered"`
	RateLimited int64     `json:"rate_limited"`
	LastError   string    `json:"last_error,omitempty"`
	LastSent    time.Time `json:"last_sent"`
}

func newRoute(ch Channel, pol Policy) *route {
	if pol.MaxPerHour <= 0 {
		pol.MaxPerHour = DefaultPolicy().MaxPerHour
	}
	return &route{
		ch:       ch,
		pol:      pol,
		limiter:  rate.NewLimiter(rate.Every(time.Hour/time.Duration(pol.MaxPerHour)), pol.MaxPerHour),
		lastSent: map[string]time.Time{},
		health:   ChannelHealth{ID: ch.ID(), Kind: ch.Kind(), Healthy: true},
	}
}

// admit applies severity, quiet-hours, weekend, cooldown and rate policy.
// It returns "" when the alert may be sent, otherwise the reason.
func (r *route) admit(a *SmartAlert, now time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	critical := a.Severity == SeverityCritical
	switch {
	case a.Severity < r.pol.MinSeverity:
		r.health.Filtered++
		return "severity"
	case !critical && r.pol.quiet(now):
		r.health.Filtered++
		return "quiet_hours"
	case !critical && !r.pol.Weekends && (now.Weekday() == time.Saturday || now.Weekday() == time.Sunday):
		r.health.Filtered++
		return "weekend"
	}
	if r.pol.Cooldown > 0 {
		if last, ok := r.lastSent[a.Kind()]; ok && now.Sub(last) < r.pol.Cooldown {
			r.health.Filtered++
			return "cooldown"
		}
	}
	if !r.limiter.AllowN(now, 1) {
		r.health.RateLimited++
		return "rate_limited"
	}
	r.lastSent[a.Kind()] = now
	return ""
}

func (r *route) record(err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.health.Failed++
		r.health.Healthy = false
		r.health.LastError = err.Error()
		return
	}
	r.health.Sent++
	r.health.Healthy = true
	r.health.LastError = ""
	r.health.LastSent = now
}

func (r *route) snapshot() ChannelHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	Name string
	Log  *slog.Logger
}

func (l *LogChannel) ID() string {
	if l.Name == "" {
		return "log"
	}
	return l.Name
}

func (l *LogChannel) Kind() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, a *SmartAlert) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	lvl := slog.LevelInfo
	if a.Severity >= SeverityHigh {
		lvl = slog.LevelWarn
	}
	log.Log(ctx, lvl, "alert",
		"alert_id", a.ID,
		"kind", a.Kind(),
		"severity", a.Severity.String(),
		"value", a.Value,
		"threshold", a.Threshold,
		"message", a.Message,
	)
	return nil
}

// WebhookChannel POSTs the alert as JSON.
type WebhookChannel struct {
	Name   string
	URL    string
	Client *http.Client
}

func (w *WebhookChannel) ID() string {
	if w.Name == "" {
		return "webhook"
	}
	return w.Name
}

func (w *WebhookChannel) Kind() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a *SmartAlert) error {
	if w.URL == "" {
		return errors.New("webhook url is required")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c := w.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// Producer is the slice of sarama.AsyncProducer the kafka channel uses.
type Producer interface {
	Input() chan<- *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	Close() error
}

// KafkaChannel publishes alerts to a topic through an async producer. Send
// only enqueues; a full queue is reported as an error so the alert counts as
// failed on this channel instead of blocking the pipeline.
type KafkaChannel struct {
	name    string
	topic   string
	log     *slog.Logger
	prod    Producer
	events  chan *SmartAlert
	stopped chan struct{}
	once    sync.Once
}

func NewKafkaProducer(brokers []string) (sarama.AsyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("alert channel: create async producer: %w", err)
	}
	return prod, nil
}

func NewKafkaChannel(name, topic string, prod Producer, queueSize int, log *slog.Logger) *KafkaChannel {
	if queueSize <= 0 {
		queueSize = 256
	}
	if name == "" {
		name = "kafka"
	}
	if log == nil {
		log = slog.Default()
	}
	k := &KafkaChannel{
		name:    name,
		topic:   topic,
		log:     log,
		prod:    prod,
		events:  make(chan *SmartAlert, queueSize),
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(k.stopped)
		for a := range k.events {
			b, err := json.Marshal(a)
			if err != nil {
				k.log.Error("alert channel marshal", "err", err)
				continue
			}
			k.prod.Input() <- &sarama.ProducerMessage{
				Topic: k.topic,
				Key:   sarama.StringEncoder(a.Kind()),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range k.prod.Errors() {
			if err != nil {
				k.log.Error("alert channel producer error", "err", err)
			}
		}
	}()
	return k
}

func (k *KafkaChannel) ID() string   { return k.name }
func (k *KafkaChannel) Kind() string { return "kafka" }

func (k *KafkaChannel) Send(_ context.Context, a *SmartAlert) (err error) {
	defer func() {
		if recover() != nil {
			err = errors.New("kafka channel closed")
		}
	}()
	select {
	case k.events <- a:
		return nil
	default:
		return errors.New("kafka channel queue full")
	}
}

func (k *KafkaChannel) Close() error {
	var err error
	k.once.Do(func() {
		close(k.events)
		<-k.stopped
		if cerr := k.prod.Close(); cerr != nil {
			err = fmt.Errorf("alert channel: close producer: %w", cerr)
		}
	})
	return err
}
