// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type KafkaCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
	// AlertTopic receives delivered alerts when the kafka notification
	// channel is enabled.
	AlertTopic string
}

type PredictiveCfg struct {
	Enabled             bool
	PredictionInterval  time.Duration
	WarmingInterval     time.Duration
	CleanupInterval     time.Duration
	PredictionThreshold float64
	MaxPredictions      int
	MaxCPU              float64
	MaxHeapBytes        uint64
	MaxConcurrent       int
	OpsPerCycle         int
	FillTimeout         time.Duration
	RefreshWithin       time.Duration
	ResolverURL         string
	TTLDefault          time.Duration
	TTLOvr              map[string]time.Duration
}

type MonitorCfg struct {
	HealthInterval     time.Duration
	OptimizeInterval   time.Duration
	PersistInterval    time.Duration
	CorrelationWindow  time.Duration
	BusinessHourStart  int
	BusinessHourEnd    int
	MaintenanceWindows map[string]time.Duration
}

type Config struct {
	Addr           string
	Instance       string
	LogLevel       string
	LogConsole     bool
	LogSampleN     int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	StateDriver    string
	StateDir       string
	RulesFile      string
	WebhookURL     string
	HotHalfLife    time.Duration
	CacheOpTimeout time.Duration
	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
	Kafka          KafkaCfg
	Predictive     PredictiveCfg
	Monitor        MonitorCfg
}

func FromEnv() Config {
	ttlDefault := getduration("CACHE_TTL_DEFAULT", 15*time.Minute)

	bhStart := getint("BUSINESS_HOUR_START", 9)
	bhEnd := getint("BUSINESS_HOUR_END", 17)
	if bhStart < 0 || bhStart > 23 || bhEnd < 0 || bhEnd > 24 || bhStart >= bhEnd {
		bhStart, bhEnd = 9, 17
	}

	return Config{
		Addr:           getenv("ADDR", ":8090"),
		Instance:       getenv("INSTANCE_ROLE", "perfcore"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogConsole:     getbool("LOG_CONSOLE", false),
		LogSampleN:     getint("LOG_SAMPLE_N", 0),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getint("REDIS_DB", 0),
		StateDriver:    strings.ToLower(getenv("STATE_DRIVER", "file")),
		StateDir:       getenv("STATE_DIR", "./data"),
		RulesFile:      getenv("RULES_FILE", ""),
		WebhookURL:     getenv("ALERT_WEBHOOK_URL", ""),
		HotHalfLife:    getduration("HOT_HALF_LIFE", 30*time.Minute),
		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
		Kafka: KafkaCfg{
			Enabled:    getbool("KAFKA_ENABLED", false),
			Brokers:    getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:      getenv("KAFKA_TOPIC", "perf-events"),
			GroupID:    getenv("KAFKA_GROUP_ID", "perfcore"),
			AlertTopic: getenv("KAFKA_ALERT_TOPIC", ""),
		},
		Predictive: PredictiveCfg{
			Enabled:             getbool("PREDICTIVE_ENABLED", true),
			PredictionInterval:  getduration("PREDICTION_INTERVAL", 5*time.Minute),
			WarmingInterval:     getduration("WARMING_INTERVAL", 2*time.Minute),
			CleanupInterval:     getduration("CLEANUP_INTERVAL", 30*time.Minute),
			PredictionThreshold: getfloat("PREDICTION_THRESHOLD", 0.4),
			MaxPredictions:      getint("MAX_PREDICTIONS", 10),
			MaxCPU:              getfloat("WARMING_MAX_CPU", 0.8),
			MaxHeapBytes:        getuint64("WARMING_MAX_HEAP_BYTES", 512<<20),
			MaxConcurrent:       getint("WARMING_MAX_CONCURRENT", 3),
			OpsPerCycle:         getint("WARMING_OPS_PER_CYCLE", 5),
			FillTimeout:         getduration("WARMING_FILL_TIMEOUT", 10*time.Second),
			RefreshWithin:       getduration("WARMING_REFRESH_WITHIN", time.Minute),
			ResolverURL:         getenv("RESOLVER_URL", ""),
			TTLDefault:          ttlDefault,
			TTLOvr:              parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
		},
		Monitor: MonitorCfg{
			HealthInterval:     getduration("HEALTH_INTERVAL", time.Minute),
			OptimizeInterval:   getduration("OPTIMIZE_INTERVAL", time.Hour),
			PersistInterval:    getduration("PERSIST_INTERVAL", 10*time.Minute),
			CorrelationWindow:  getduration("CORRELATION_WINDOW", 30*time.Minute),
			BusinessHourStart:  bhStart,
			BusinessHourEnd:    bhEnd,
			MaintenanceWindows: parseDurationMap(getenv("MAINTENANCE_WINDOWS", "")),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getuint64(k string, def uint64) uint64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "search=5m,flow_analysis=1h" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
