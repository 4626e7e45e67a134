package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// MetricsManager owns the registry every metric in this package is
// registered on. The host sampler joins it when system metrics are on.
type MetricsManager struct {
	registry *prometheus.Registry

	mu      sync.Mutex
	sampler *hostSampler
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton instance of MetricsManager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = &MetricsManager{
			registry: prometheus.NewRegistry(),
		}
	})
	return instance
}

// Handler serves the shared registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetInstance().registry, promhttp.HandlerOpts{})
}

// hostSampler reads host and own-process usage through gopsutil. A run
// holds the whole extract in memory, so process RSS is the gauge to watch.
type hostSampler struct {
	proc *process.Process

	hostCPU     prometheus.Gauge
	hostMemory  *prometheus.GaugeVec
	processRSS  prometheus.Gauge
	processCPU  prometheus.Gauge
	processFDs  prometheus.Gauge
	sampleCount prometheus.Counter
}

func newHostSampler() (*hostSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	return &hostSampler{
		proc:       proc,
		hostCPU:    gauge("host_cpu_usage_percent", "CPU usage of the host across all cores"),
		processRSS: gauge("report_process_resident_bytes", "Resident memory of the report process"),
		processCPU: gauge("report_process_cpu_percent", "CPU usage of the report process since the previous sample"),
		processFDs: gauge("report_process_open_fds", "Open file descriptors of the report process"),
		hostMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "host_memory_bytes",
			Help: "Host memory by state",
		}, []string{"state"}), // "used", "available"
		sampleCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "host_samples_total",
			Help: "Total number of host usage samples taken",
		}),
	}, nil
}

func (s *hostSampler) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.hostCPU, s.hostMemory, s.processRSS, s.processCPU, s.processFDs, s.sampleCount}
}

// sample takes one reading. Readings the platform does not support are
// left at their previous value.
func (s *hostSampler) sample() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.hostCPU.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.hostMemory.WithLabelValues("used").Set(float64(vm.Used))
		s.hostMemory.WithLabelValues("available").Set(float64(vm.Available))
	}
	if info, err := s.proc.MemoryInfo(); err == nil {
		s.processRSS.Set(float64(info.RSS))
	}
	if pct, err := s.proc.Percent(0); err == nil {
		s.processCPU.Set(pct)
	}
	if fds, err := s.proc.NumFDs(); err == nil {
		s.processFDs.Set(float64(fds))
	}
	s.sampleCount.Inc()
}

// enableSystemMetrics registers the Go runtime collector and the host
// sampler. Only the first call returns a sampler; later calls return nil.
func (mm *MetricsManager) enableSystemMetrics() (*hostSampler, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if mm.sampler != nil {
		return nil, nil
	}
	s, err := newHostSampler()
	if err != nil {
		return nil, err
	}
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(s.collectors()...)
	mm.sampler = s
	return s, nil
}

// StartSystemMetrics exposes Go runtime statistics and samples host and
// process usage every interval until ctx is done. It does nothing unless
// ENABLE_SYSTEM_METRICS is "true", and only the first call starts sampling.
func StartSystemMetrics(ctx context.Context, interval time.Duration) {
	if os.Getenv("ENABLE_SYSTEM_METRICS") != "true" {
		return
	}

	s, err := GetInstance().enableSystemMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("System metrics unavailable")
		return
	}
	if s == nil {
		return
	}
	s.sample()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}
