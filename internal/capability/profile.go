// Package capability profiles the host once at startup and samples live
// resource load for the threshold, alerting and warming components.
package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

type Class string

const (
	ClassHigh   Class = "high"
	ClassMedium Class = "medium"
	ClassLow    Class = "low"
)

const (
	gib = 1 << 30

	defaultMemory   = 8 * gib
	defaultDiskMBps = 100.0
)

type Profile struct {
	CPUCores        int       `json:"cpu_cores"`
	CPUMHz          float64   `json:"cpu_mhz"`
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryAvailable uint64    `json:"memory_available"`
	DiskMBps        float64   `json:"disk_mbps"`
	Platform        string    `json:"platform"`
	Class           Class     `json:"class"`
	ProfiledAt      time.Time `json:"profiled_at"`
}

// LatencyScale multiplies latency-like default thresholds so slower hosts
// alert later.
func (p Profile) LatencyScale() float64 {
	switch p.Class {
	case ClassHigh:
		return 1.0
	case ClassLow:
		return 2.5
	default:
		return 1.5
	}
}

func Classify(cores int, memTotal uint64, diskMBps float64) Class {
	switch {
	case cores >= 8 && memTotal >= 16*gib && diskMBps >= 500:
		return ClassHigh
	case cores <= 2 || memTotal < 4*gib || diskMBps < 50:
		return ClassLow
	default:
		return ClassMedium
	}
}

// Default is the profile substituted when the host cannot be read.
func Default() Profile {
	cores := runtime.NumCPU()
	return Profile{
		CPUCores:        cores,
		MemoryTotal:     defaultMemory,
		MemoryAvailable: defaultMemory / 2,
		DiskMBps:        defaultDiskMBps,
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		Class:           Classify(cores, defaultMemory, defaultDiskMBps),
	}
}

type Options struct {
	// BenchDir is where the disk benchmark writes its scratch file.
	// Defaults to os.TempDir().
	BenchDir        string
	BenchIterations int
	BenchSize       int
	// SkipBenchmark substitutes the default disk figure.
	SkipBenchmark bool
}

// Run reads the host capability. Every part that fails is replaced by its
// default and the failures are returned joined; the profile is always usable.
func Run(ctx context.Context, opts Options) (Profile, error) {
	p := Default()
	p.ProfiledAt = time.Now().UTC()
	var errs []error

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("cpu counts: %w", err))
	} else if n > 0 {
		p.CPUCores = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	} else if len(infos) > 0 {
		p.CPUMHz = infos[0].Mhz
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("virtual memory: %w", err))
	} else {
		p.MemoryTotal = vm.Total
		p.MemoryAvailable = vm.Available
	}
	if hi, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else if hi.Platform != "" {
		p.Platform = fmt.Sprintf("%s/%s %s", hi.OS, hi.KernelArch, hi.Platform)
	}

	if !opts.SkipBenchmark {
		dir := opts.BenchDir
		if dir == "" {
			dir = os.TempDir()
		}
		mbps, err := BenchmarkDisk(ctx, dir, opts.BenchIterations, opts.BenchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("disk benchmark: %w", err))
		} else {
			p.DiskMBps = mbps
		}
	}

	p.Class = Classify(p.CPUCores, p.MemoryTotal, p.DiskMBps)
	return p, errors.Join(errs...)
}
