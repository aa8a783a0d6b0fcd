package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/process"
)

// ResourceSample is one reading of host utilization, in percent.
type ResourceSample struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	DiskFreeGB    float64
}

// Sampler reads host utilization; path selects the disk volume.
type Sampler interface {
	Sample(ctx context.Context, path string) (ResourceSample, error)
}

// HostSampler reads the local host through gopsutil. CPU is averaged over
// Interval (default one second).
type HostSampler struct {
	Interval time.Duration
}

func (s HostSampler) Sample(ctx context.Context, path string) (ResourceSample, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	cpus, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("cpu: %w", err)
	}
	if len(cpus) == 0 {
		return ResourceSample{}, fmt.Errorf("cpu: no reading")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory: %w", err)
	}
	if path == "" {
		path = "."
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("disk %s: %w", path, err)
	}
	return ResourceSample{
		CPUPercent:    cpus[0],
		MemoryPercent: vm.UsedPercent,
		DiskPercent:   du.UsedPercent,
		DiskFreeGB:    float64(du.Free) / (1 << 30),
	}, nil
}

// Limits are utilization percentages; a reading strictly above a limit trips
// it.
type Limits struct {
	CPU    float64 `mapstructure:"cpu"`
	Memory float64 `mapstructure:"memory"`
	Disk   float64 `mapstructure:"disk"`
}

func (l Limits) exceeded(s ResourceSample) bool {
	return s.CPUPercent > l.CPU || s.MemoryPercent > l.Memory || s.DiskPercent > l.Disk
}

type Thresholds struct {
	Warning  Limits `mapstructure:"warning"`
	Critical Limits `mapstructure:"critical"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  Limits{CPU: 75, Memory: 75, Disk: 85},
		Critical: Limits{CPU: 90, Memory: 90, Disk: 95},
	}
}

// Classify maps a sample to healthy, warning or critical.
func (t Thresholds) Classify(s ResourceSample) Status {
	switch {
	case t.Critical.exceeded(s):
		return StatusCritical
	case t.Warning.exceeded(s):
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// ResourceCheck grades host CPU, memory and disk usage of Path's volume.
type ResourceCheck struct {
	Path       string
	Sampler    Sampler
	Thresholds Thresholds
}

func (ResourceCheck) Name() string { return NameResources }

func (c ResourceCheck) Evaluate(ctx context.Context) (Result, error) {
	sampler := c.Sampler
	if sampler == nil {
		sampler = HostSampler{}
	}
	th := c.Thresholds
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	s, err := sampler.Sample(ctx, c.Path)
	if err != nil {
		return Result{}, fmt.Errorf("resource check error: %w", err)
	}
	return Result{
		Status:  th.Classify(s),
		Message: fmt.Sprintf("CPU: %.1f%%, Memory: %.1f%%, Disk: %.1f%%", s.CPUPercent, s.MemoryPercent, s.DiskPercent),
		Data: map[string]any{
			"cpu_percent":    s.CPUPercent,
			"memory_percent": s.MemoryPercent,
			"disk_percent":   s.DiskPercent,
			"disk_free_gb":   s.DiskFreeGB,
		},
	}, nil
}

// ProcessFinder locates the supervised process.
type ProcessFinder interface {
	Find(ctx context.Context) (*process.Handle, bool)
}

// ProcessCheck reports on the supervised process itself.
type ProcessCheck struct {
	Locator ProcessFinder
}

func (ProcessCheck) Name() string { return NameProcess }

func (c ProcessCheck) Evaluate(ctx context.Context) (Result, error) {
	if c.Locator == nil {
		return Result{}, fmt.Errorf("no process locator configured")
	}
	h, ok := c.Locator.Find(ctx)
	if !ok {
		return Result{Status: StatusError, Message: "target process not running"}, nil
	}
	s, err := metrics.SampleProcess(ctx, h.PID)
	if err != nil {
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("process %d found, sampling failed: %v", h.PID, err),
			Data:    map[string]any{"pid": h.PID},
		}, nil
	}
	metrics.ObserveTarget(s)
	return Result{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("process %d running", h.PID),
		Data: map[string]any{
			"pid":         h.PID,
			"cpu_percent": s.CPUPercent,
			"memory_mb":   s.MemoryMB,
			"num_threads": s.NumThreads,
		},
	}, nil
}
