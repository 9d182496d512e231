package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/perfcore/internal/alerting"
	"github.com/mohammed-shakir/perfcore/internal/cache"
	"github.com/mohammed-shakir/perfcore/internal/cache/redisstore"
	"github.com/mohammed-shakir/perfcore/internal/capability"
	"github.com/mohammed-shakir/perfcore/internal/core/config"
	"github.com/mohammed-shakir/perfcore/internal/core/health"
	"github.com/mohammed-shakir/perfcore/internal/core/httpclient"
	"github.com/mohammed-shakir/perfcore/internal/core/observability"
	"github.com/mohammed-shakir/perfcore/internal/core/server"
	"github.com/mohammed-shakir/perfcore/internal/hotness/expdecay"
	"github.com/mohammed-shakir/perfcore/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/perfcore/internal/metrics"
	"github.com/mohammed-shakir/perfcore/internal/monitor"
	"github.com/mohammed-shakir/perfcore/internal/prediction"
	"github.com/mohammed-shakir/perfcore/internal/predictive"
	"github.com/mohammed-shakir/perfcore/internal/state"
	"github.com/mohammed-shakir/perfcore/internal/threshold"
	"github.com/mohammed-shakir/perfcore/internal/usage"
	"github.com/mohammed-shakir/perfcore/internal/warming"
	ingest "github.com/mohammed-shakir/perfcore/pkg/ingest/kafka"
)

func newServeCmd() *cobra.Command {
	var addr, rules string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor, alerting and predictive warming with the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if addr != "" {
				cfg.Addr = addr
			}
			if rules != "" {
				cfg.RulesFile = rules
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, buildLogger(cfg, "serve"))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $ADDR)")
	cmd.Flags().StringVar(&rules, "rules", "", "alert rules YAML file (default $RULES_FILE)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	prov := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(prov.Registerer(), cfg.MetricsEnabled)
	observability.SetInstance(cfg.Instance)
	observability.ExposeBuildInfo(Version)
	log.Info("starting perfcore",
		"addr", cfg.Addr,
		"version", Version,
		"state_driver", cfg.StateDriver,
		"kafka", cfg.Kafka.Enabled,
		"predictive", cfg.Predictive.Enabled)

	ready := map[string]health.ReadinessReporter{}

	rc, err := redisstore.New(ctx, cfg.RedisAddr, redisOptions(cfg)...)
	if err != nil {
		if cfg.StateDriver == "redis" {
			return fmt.Errorf("connect redis: %w", err)
		}
		log.Warn("redis unavailable; cache warming and invalidation are disabled",
			"addr", cfg.RedisAddr, "err", err)
	}
	var (
		kv    state.KV
		store cache.Interface
	)
	if rc != nil {
		defer func() { _ = rc.Close() }()
		kv, store = rc, rc
	}

	stateStore, err := openStateStore(cfg, kv)
	if err != nil {
		return err
	}

	httpClient := httpclient.NewOutbound(
		httpclient.WithTimeout(15*time.Second),
		httpclient.WithRoundTripper(httpclient.UserAgent("perfcore/"+Version)),
	)
	load := capability.NewSampler(log)

	mon := buildMonitor(ctx, cfg, log, load, stateStore, rc)
	if err := configureAlerting(cfg, log, mon.Alerts(), httpClient); err != nil {
		log.Warn("alerting configured with errors", "err", err)
	}

	hot := metricswrap.New(expdecay.New(cfg.HotHalfLife), metricswrap.Options{
		HotThreshold: 10,
		LogSample:    0.01,
		Logger:       log,
	})
	pm, err := buildPredictive(cfg, log, load, stateStore, store, hot, httpClient)
	if err != nil {
		return err
	}

	icfg := ingest.DefaultConfig()
	icfg.Enabled = cfg.Kafka.Enabled
	icfg.Brokers = config.SplitList(cfg.Kafka.Brokers)
	icfg.Topic = cfg.Kafka.Topic
	icfg.GroupID = cfg.Kafka.GroupID
	runner := ingest.New(icfg, ingest.Options{
		Logger:   log,
		Register: prov.Registerer(),
		Metrics:  mon,
		Access:   pm,
		Cache:    store,
		Hotness:  hot,
	})
	if cfg.Kafka.Enabled {
		ready["ingest"] = runner
	}

	mon.Start()
	pm.Start(ctx)
	if err := runner.Start(ctx); err != nil {
		shutdown(log, runner, pm, mon)
		return fmt.Errorf("start ingest: %w", err)
	}

	go func() {
		if err := prov.Serve(ctx, log); err != nil {
			log.Error("metrics listener exited", "err", err)
		}
	}()

	router := server.NewRouter(log, server.Deps{
		Monitor:    mon,
		Predictive: pm,
		Metrics:    prov.Handler(),
		Ready:      ready,
	})
	runErr := server.Run(ctx, cfg, log, router)
	shutdown(log, runner, pm, mon)
	if runErr != nil {
		return fmt.Errorf("http server: %w", runErr)
	}
	log.Info("perfcore stopped")
	return nil
}

func shutdown(log *slog.Logger, runner *ingest.Runner, pm *predictive.Manager, mon *monitor.Monitor) {
	runner.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := errors.Join(pm.Shutdown(ctx), mon.Shutdown(ctx)); err != nil {
		log.Warn("shutdown finished with errors", "err", err)
	}
}

func buildMonitor(ctx context.Context, cfg config.Config, log *slog.Logger, load capability.LoadProvider, st state.Store, rc *redisstore.Client) *monitor.Monitor {
	mcfg := monitor.DefaultConfig()
	mcfg.HealthInterval = cfg.Monitor.HealthInterval

	mcfg.Threshold = threshold.DefaultConfig()
	mcfg.Threshold.OptimizeInterval = cfg.Monitor.OptimizeInterval
	mcfg.Threshold.PersistInterval = cfg.Monitor.PersistInterval

	mcfg.Alerting = alerting.DefaultConfig()
	mcfg.Alerting.CorrelationWindow = cfg.Monitor.CorrelationWindow
	mcfg.Alerting.Calendar.BusinessStart = cfg.Monitor.BusinessHourStart
	mcfg.Alerting.Calendar.BusinessEnd = cfg.Monitor.BusinessHourEnd
	for start, d := range cfg.Monitor.MaintenanceWindows {
		w, err := alerting.ParseWindow(start, d)
		if err != nil {
			log.Warn("maintenance window ignored", "err", err)
			continue
		}
		mcfg.Alerting.Calendar.Maintenance = append(mcfg.Alerting.Calendar.Maintenance, w)
	}

	var checkers []monitor.Checker
	if rc != nil {
		checkers = append(checkers, monitor.PingChecker("cache", rc, 50*time.Millisecond))
	}
	mon := monitor.New(mcfg, monitor.Deps{
		Logger:   log,
		Load:     load,
		Store:    st,
		Checkers: checkers,
	})
	mon.Init(ctx)
	return mon
}

// configureAlerting applies the rules file and registers the channels. The
// log channel is always present so alerts are never silently dropped.
func configureAlerting(cfg config.Config, log *slog.Logger, sys *alerting.System, client *http.Client) error {
	var (
		errs   []error
		hasLog bool
	)
	if cfg.RulesFile != "" {
		hasLog, errs = applyRulesFile(cfg, log, sys, client)
	}
	if !hasLog {
		sys.AddChannel(&alerting.LogChannel{Name: "log", Log: log}, alerting.DefaultPolicy())
	}
	if cfg.WebhookURL != "" {
		sys.AddChannel(&alerting.WebhookChannel{Name: "webhook", URL: cfg.WebhookURL, Client: client}, alerting.DefaultPolicy())
	}
	if cfg.Kafka.AlertTopic != "" {
		prod, err := alerting.NewKafkaProducer(config.SplitList(cfg.Kafka.Brokers))
		if err != nil {
			errs = append(errs, err)
		} else {
			sys.AddChannel(alerting.NewKafkaChannel("kafka", cfg.Kafka.AlertTopic, prod, 0, log), alerting.DefaultPolicy())
		}
	}
	return errors.Join(errs...)
}

func applyRulesFile(cfg config.Config, log *slog.Logger, sys *alerting.System, client *http.Client) (hasLog bool, errs []error) {
	fc, err := alerting.LoadFile(cfg.RulesFile)
	if err != nil {
		return false, []error{err}
	}
	cal, err := fc.Calendar(sys.Calendar())
	if err != nil {
		errs = append(errs, err)
	}
	sys.SetCalendar(cal)
	sys.SetRules(fc.CompileRules())

	chans, err := fc.BuildChannels(alerting.ChannelDeps{
		Logger:     log,
		HTTPClient: client,
		Kafka: func(string) (alerting.Producer, error) {
			return alerting.NewKafkaProducer(config.SplitList(cfg.Kafka.Brokers))
		},
	})
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range chans {
		sys.AddChannel(c.Channel, c.Policy)
		hasLog = hasLog || c.Channel.Kind() == "log"
	}
	return hasLog, errs
}

func buildPredictive(
	cfg config.Config,
	log *slog.Logger,
	load capability.LoadProvider,
	st state.Store,
	store cache.Interface,
	hot *metricswrap.WithMetrics,
	client *http.Client,
) (*predictive.Manager, error) {
	pc := cfg.Predictive

	ucfg := usage.DefaultConfig()
	ucfg.PredictionThreshold = pc.PredictionThreshold
	an := usage.New(ucfg, log)

	models := prediction.New(prediction.Config{MaxPredictions: pc.MaxPredictions}, prediction.Options{
		Logger:  log,
		Source:  an,
		Hotness: hot,
	})

	var filler warming.Filler
	switch {
	case store == nil:
		log.Warn("no cache store; predictions are tracked but not warmed")
	case pc.ResolverURL == "":
		log.Warn("RESOLVER_URL not set; predictions are tracked but not warmed")
	default:
		filler = &warming.StoreFiller{
			Resolver:      &warming.HTTPResolver{Client: client, BaseURL: pc.ResolverURL},
			Store:         store,
			TTLDefault:    pc.TTLDefault,
			TTLByCat:      pc.TTLOvr,
			RefreshWithin: pc.RefreshWithin,
		}
	}
	eng := warming.New(warming.Config{
		MaxCPU:        pc.MaxCPU,
		MaxHeapBytes:  pc.MaxHeapBytes,
		MaxConcurrent: pc.MaxConcurrent,
		OpsPerCycle:   pc.OpsPerCycle,
		FillTimeout:   pc.FillTimeout,
	}, filler, load, log)

	pcfg := predictive.DefaultConfig()
	pcfg.Enabled = pc.Enabled
	pcfg.PredictionInterval = pc.PredictionInterval
	pcfg.WarmingInterval = pc.WarmingInterval
	pcfg.CleanupInterval = pc.CleanupInterval

	pm, err := predictive.New(pcfg, predictive.Deps{
		Logger:   log,
		Analyzer: an,
		Models:   models,
		Warming:  eng,
		Hotness:  hot,
		Store:    st,
	})
	if err != nil {
		return nil, fmt.Errorf("predictive manager: %w", err)
	}
	return pm, nil
}
