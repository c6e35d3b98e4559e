package resource

import (
	"math"
	"os"
	"runtime"
	"runtime/metrics"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// UnknownMax marks a heap reading without an upper bound.
const UnknownMax int64 = -1

// HeapUsage is one heap reading in bytes.
type HeapUsage struct {
	Used int64
	Max  int64
}

// CPUProbe reads the CPU usage of the current process.
type CPUProbe interface {
	Name() string
	// CPUPercent returns usage in [0, 100], or false when no reading is available.
	CPUPercent() (float64, bool)
}

// HeapProbe reads heap usage of the current process.
type HeapProbe interface {
	Name() string
	// Heap returns the current reading, or false when the source is unsupported.
	Heap() (HeapUsage, bool)
}

// processLoadProbe asks gopsutil for the CPU share consumed since the
// previous call.
type processLoadProbe struct {
	proc  *process.Process
	cores int
}

func newProcessLoadProbe(cores int) CPUProbe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	// The first call only stores the baseline.
	if _, err := proc.Percent(0); err != nil {
		return nil
	}
	return &processLoadProbe{proc: proc, cores: cores}
}

func (p *processLoadProbe) Name() string { return "process-load" }

func (p *processLoadProbe) CPUPercent() (float64, bool) {
	pct, err := p.proc.Percent(0)
	if err != nil {
		return 0, false
	}
	load := pct / 100 / float64(p.cores)
	if math.IsNaN(load) || load < 0 || load > 1 {
		return 0, false
	}
	return clampPercent(load * 100), true
}

// tickProbe derives CPU usage from user+system clock ticks in
// /proc/self/stat, accumulated over a minimum wall clock window.
type tickProbe struct {
	read           func() (uint64, error)
	now            func() time.Time
	ticksPerSecond float64
	window         time.Duration
	cores          int

	lastTicks uint64
	lastWall  time.Time
	accTicks  uint64
	accWall   time.Duration
	lastValue float64
	hasValue  bool
}

func newTickProbe(read func() (uint64, error), now func() time.Time, ticksPerSecond float64, window time.Duration, cores int) *tickProbe {
	p := &tickProbe{
		read:           read,
		now:            now,
		ticksPerSecond: ticksPerSecond,
		window:         window,
		cores:          cores,
	}
	if ticks, err := read(); err == nil {
		p.lastTicks = ticks
		p.lastWall = now()
	}
	return p
}

func procSelfTicks() (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, err
	}
	self, err := fs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.UTime) + uint64(stat.STime), nil
}

func (p *tickProbe) Name() string { return "proc-ticks" }

func (p *tickProbe) CPUPercent() (float64, bool) {
	ticks, err := p.read()
	if err != nil {
		return p.lastValue, p.hasValue
	}
	wall := p.now()
	if p.lastWall.IsZero() {
		p.lastTicks, p.lastWall = ticks, wall
		return p.lastValue, p.hasValue
	}

	if ticks >= p.lastTicks {
		p.accTicks += ticks - p.lastTicks
	}
	if elapsed := wall.Sub(p.lastWall); elapsed > 0 {
		p.accWall += elapsed
	}
	p.lastTicks, p.lastWall = ticks, wall

	if p.accWall < p.window || p.accWall <= 0 {
		return p.lastValue, p.hasValue
	}

	cpuNs := float64(p.accTicks) * float64(time.Second) / p.ticksPerSecond
	p.lastValue = clampPercent(cpuNs / (float64(p.accWall) * float64(p.cores)) * 100)
	p.hasValue = true
	p.accTicks, p.accWall = 0, 0
	return p.lastValue, true
}

// runtimeMetricsProbe reads live heap object bytes and the soft memory limit.
type runtimeMetricsProbe struct{}

const (
	heapObjectsMetric = "/memory/classes/heap/objects:bytes"
	memoryLimitMetric = "/gc/gomemlimit:bytes"
)

func (runtimeMetricsProbe) Name() string { return "runtime-metrics" }

func (runtimeMetricsProbe) Heap() (HeapUsage, bool) {
	samples := []metrics.Sample{{Name: heapObjectsMetric}, {Name: memoryLimitMetric}}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindUint64 {
		return HeapUsage{}, false
	}
	usage := HeapUsage{Used: int64(samples[0].Value.Uint64()), Max: UnknownMax}
	if samples[1].Value.Kind() == metrics.KindUint64 {
		if limit := samples[1].Value.Uint64(); limit < math.MaxInt64 {
			usage.Max = int64(limit)
		}
	}
	return usage, true
}

// memStatsProbe uses the allocated and reserved heap from runtime.MemStats.
type memStatsProbe struct{}

func (memStatsProbe) Name() string { return "memstats" }

func (memStatsProbe) Heap() (HeapUsage, bool) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return HeapUsage{Used: int64(ms.HeapAlloc), Max: int64(ms.HeapSys)}, true
}

// rssProbe approximates heap usage with the resident set size against total
// system memory.
type rssProbe struct {
	proc *process.Process
}

func newRSSProbe() HeapProbe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	return &rssProbe{proc: proc}
}

func (p *rssProbe) Name() string { return "process-rss" }

func (p *rssProbe) Heap() (HeapUsage, bool) {
	info, err := p.proc.MemoryInfo()
	if err != nil {
		return HeapUsage{}, false
	}
	usage := HeapUsage{Used: int64(info.RSS), Max: UnknownMax}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.Max = int64(vm.Total)
	}
	return usage, true
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
