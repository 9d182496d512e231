package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.Addr != ":8090" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.Predictive.PredictionInterval != 5*time.Minute ||
		cfg.Predictive.WarmingInterval != 2*time.Minute ||
		cfg.Predictive.CleanupInterval != 30*time.Minute {
		t.Fatalf("unexpected predictive intervals: %+v", cfg.Predictive)
	}
	if cfg.Predictive.PredictionThreshold != 0.4 || cfg.Predictive.MaxPredictions != 10 {
		t.Fatalf("unexpected prediction defaults: %+v", cfg.Predictive)
	}
	if cfg.Monitor.BusinessHourStart != 9 || cfg.Monitor.BusinessHourEnd != 17 {
		t.Fatalf("unexpected business hours: %+v", cfg.Monitor)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("WARMING_MAX_CPU", "0.5")
	t.Setenv("PREDICTIVE_ENABLED", "no")
	t.Setenv("CACHE_TTL_OVERRIDES", "search=5m, flow_analysis=1h,bad,=3s")
	t.Setenv("MAINTENANCE_WINDOWS", "02:00=2h")
	t.Setenv("BUSINESS_HOUR_START", "20")
	t.Setenv("BUSINESS_HOUR_END", "8")

	cfg := FromEnv()
	if cfg.Predictive.MaxCPU != 0.5 {
		t.Fatalf("MaxCPU=%v", cfg.Predictive.MaxCPU)
	}
	if cfg.Predictive.Enabled {
		t.Fatalf("expected predictive disabled")
	}
	if len(cfg.Predictive.TTLOvr) != 2 ||
		cfg.Predictive.TTLOvr["search"] != 5*time.Minute ||
		cfg.Predictive.TTLOvr["flow_analysis"] != time.Hour {
		t.Fatalf("TTLOvr=%v", cfg.Predictive.TTLOvr)
	}
	if cfg.Monitor.MaintenanceWindows["02:00"] != 2*time.Hour {
		t.Fatalf("MaintenanceWindows=%v", cfg.Monitor.MaintenanceWindows)
	}
	// invalid range falls back to defaults
	if cfg.Monitor.BusinessHourStart != 9 || cfg.Monitor.BusinessHourEnd != 17 {
		t.Fatalf("unexpected business hours: %+v", cfg.Monitor)
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, ,b,c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("SplitList=%v", got)
	}
}
