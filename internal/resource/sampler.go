// Package resource samples CPU and heap usage of the running process and
// keeps running averages.
package resource

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTicksPerSecond is the kernel USER_HZ assumed for tick accounting.
	DefaultTicksPerSecond = 100

	// DefaultMinWindow is the shortest wall clock span a tick based reading covers.
	DefaultMinWindow = time.Second
)

// Sample is one reading produced by Sampler.Sample.
type Sample struct {
	Label      string
	CPUPercent float64
	CPUSource  string
	HasCPU     bool
	Heap       HeapUsage
	HeapSource string
	HasHeap    bool
}

// Averages are running means over all samples taken so far.
type Averages struct {
	Samples    int64
	CPUPercent float64
	HeapUsed   float64
}

// Observer receives every sample, e.g. to export it as gauges.
type Observer interface {
	ObserveSample(s Sample)
}

type settings struct {
	now            func() time.Time
	ticksPerSecond float64
	minWindow      time.Duration
	cores          int
	cpuProbes      []CPUProbe
	heapProbes     []HeapProbe
	observer       Observer
}

// Option configures a Sampler.
type Option func(*settings)

// WithClock overrides the wall clock used by tick accounting.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithTicksPerSecond overrides the assumed clock tick rate.
func WithTicksPerSecond(tps float64) Option {
	return func(s *settings) { s.ticksPerSecond = tps }
}

// WithMinWindow overrides the tick accounting window.
func WithMinWindow(d time.Duration) Option {
	return func(s *settings) { s.minWindow = d }
}

// WithCores overrides the core count used to normalise CPU usage.
func WithCores(n int) Option {
	return func(s *settings) { s.cores = n }
}

// WithCPUProbes replaces the CPU probe cascade.
func WithCPUProbes(probes ...CPUProbe) Option {
	return func(s *settings) { s.cpuProbes = append([]CPUProbe{}, probes...) }
}

// WithHeapProbes replaces the heap probe cascade.
func WithHeapProbes(probes ...HeapProbe) Option {
	return func(s *settings) { s.heapProbes = append([]HeapProbe{}, probes...) }
}

// WithObserver installs a sample observer.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

// Sampler takes best-effort CPU and heap readings.
//
// CPU probes are tried in order on every sample. The heap probe is the first
// one that answered at construction time.
type Sampler struct {
	logger    *zap.SugaredLogger
	cpuProbes []CPUProbe
	heapProbe HeapProbe
	observer  Observer

	mu        sync.Mutex
	samples   int64
	cpuSum    float64
	cpuCount  int64
	heapSum   float64
	heapCount int64
}

// NewSampler builds a sampler with the default probe cascades unless
// overridden by options.
func NewSampler(logger *zap.SugaredLogger, opts ...Option) *Sampler {
	s := settings{
		now:            time.Now,
		ticksPerSecond: DefaultTicksPerSecond,
		minWindow:      DefaultMinWindow,
		cores:          runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.cores < 1 {
		s.cores = 1
	}
	if s.cpuProbes == nil {
		if p := newProcessLoadProbe(s.cores); p != nil {
			s.cpuProbes = append(s.cpuProbes, p)
		}
		s.cpuProbes = append(s.cpuProbes, newTickProbe(procSelfTicks, s.now, s.ticksPerSecond, s.minWindow, s.cores))
	}
	if s.heapProbes == nil {
		s.heapProbes = []HeapProbe{runtimeMetricsProbe{}, memStatsProbe{}}
		if p := newRSSProbe(); p != nil {
			s.heapProbes = append(s.heapProbes, p)
		}
	}

	sampler := &Sampler{
		logger:    logger,
		cpuProbes: s.cpuProbes,
		observer:  s.observer,
	}
	for _, p := range s.heapProbes {
		if p == nil {
			continue
		}
		if _, ok := p.Heap(); ok {
			sampler.heapProbe = p
			break
		}
	}
	if sampler.heapProbe == nil {
		logger.Warnw("no heap source available")
	} else {
		logger.Debugw("heap source selected", "source", sampler.heapProbe.Name())
	}
	return sampler
}

// unavailable stands in for a reading no source could provide.
const unavailable = "unavailable"

// Sample takes one CPU and one heap reading, folds them into the running
// averages and logs the result.
func (s *Sampler) Sample(label string) Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	sample := Sample{Label: label}
	for _, p := range s.cpuProbes {
		if pct, ok := p.CPUPercent(); ok {
			sample.CPUPercent, sample.CPUSource, sample.HasCPU = pct, p.Name(), true
			break
		}
	}
	if s.heapProbe != nil {
		sample.Heap, sample.HasHeap = s.heapProbe.Heap()
		sample.HeapSource = s.heapProbe.Name()
	}

	s.samples++
	if sample.HasCPU {
		s.cpuSum += sample.CPUPercent
		s.cpuCount++
	}
	if sample.HasHeap {
		s.heapSum += float64(sample.Heap.Used)
		s.heapCount++
	}
	avg := s.averagesLocked()

	var cpu, avgCPU any = unavailable, unavailable
	cpuSource := unavailable
	if sample.HasCPU {
		cpu, cpuSource = round2(sample.CPUPercent), sample.CPUSource
	}
	if s.cpuCount > 0 {
		avgCPU = round2(avg.CPUPercent)
	}
	heapUsed, heapMax, heapSource, avgHeap := unavailable, unavailable, unavailable, unavailable
	if sample.HasHeap {
		heapUsed, heapMax, heapSource = FormatBytes(sample.Heap.Used), "unknown", sample.HeapSource
		if sample.Heap.Max != UnknownMax {
			heapMax = FormatBytes(sample.Heap.Max)
		}
	}
	if s.heapCount > 0 {
		avgHeap = FormatBytes(int64(avg.HeapUsed))
	}
	s.logger.Infow("resource sample",
		"label", label,
		"cpu_percent", cpu,
		"cpu_source", cpuSource,
		"avg_cpu_percent", avgCPU,
		"heap_used", heapUsed,
		"heap_max", heapMax,
		"avg_heap_used", avgHeap,
		"heap_source", heapSource,
	)
	if s.observer != nil {
		s.observer.ObserveSample(sample)
	}
	return sample
}

// Averages returns the running averages.
func (s *Sampler) Averages() Averages {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.averagesLocked()
}

func (s *Sampler) averagesLocked() Averages {
	avg := Averages{Samples: s.samples}
	if s.cpuCount > 0 {
		avg.CPUPercent = s.cpuSum / float64(s.cpuCount)
	}
	if s.heapCount > 0 {
		avg.HeapUsed = s.heapSum / float64(s.heapCount)
	}
	return avg
}

// LogSummary logs the sample count and running averages.
func (s *Sampler) LogSummary() {
	avg := s.Averages()
	if avg.Samples == 0 {
		s.logger.Infow("resource summary: no samples")
		return
	}
	s.logger.Infow("resource summary",
		"samples", avg.Samples,
		"avg_cpu_percent", round2(avg.CPUPercent),
		"avg_heap_used", FormatBytes(int64(avg.HeapUsed)),
	)
}

// Run samples every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample("periodic")
		}
	}
}

// FormatBytes renders n with a base-1024 unit picked by magnitude.
func FormatBytes(n int64) string {
	const unit = 1024
	switch {
	case n < unit:
		return fmt.Sprintf("%d B", n)
	case n < unit*unit:
		return fmt.Sprintf("%.2f KB", float64(n)/unit)
	case n < unit*unit*unit:
		return fmt.Sprintf("%.2f MB", float64(n)/(unit*unit))
	default:
		return fmt.Sprintf("%.2f GB", float64(n)/(unit*unit*unit))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
