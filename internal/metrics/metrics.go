// Package metrics collects and exposes Prometheus metrics for cowfork.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kernel"
)

// Collector holds all cowfork Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Kernel metrics.
	FramesInUse prometheus.Gauge
	FramesTotal prometheus.Gauge
	PageFaults  *prometheus.CounterVec
	Syscalls    *prometheus.CounterVec
	Envs        *prometheus.GaugeVec

	// Fork metrics.
	Forks           *prometheus.CounterVec
	PagesDuplicated *prometheus.CounterVec
	PagesCopied     prometheus.Counter

	// Server metrics.
	Scenarios              *prometheus.CounterVec
	ConfigReloadTotal      prometheus.Counter
	ConfigReloadErrorTotal prometheus.Counter
	BuildInfo              *prometheus.GaugeVec
}

// New creates and registers all cowfork metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		FramesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cowfork_frames_in_use",
			Help: "Physical frames currently referenced by a mapping.",
		}),
		FramesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cowfork_frames_total",
			Help: "Physical frames available to each scenario kernel.",
		}),
		PageFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowfork_page_faults_total",
			Help: "Page faults by outcome: delivered to the upcall or fatal.",
		}, []string{"outcome"}),
		Syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowfork_syscalls_total",
			Help: "Page mapping system calls by name and result.",
		}, []string{"name", "result"}),
		Envs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cowfork_envs",
			Help: "Environments per scheduling status.",
		}, []string{"status"}),

		Forks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowfork_forks_total",
			Help: "Completed forks by kind.",
		}, []string{"kind"}),
		PagesDuplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowfork_pages_duplicated_total",
			Help: "Pages mapped into a child by fork, by mode.",
		}, []string{"mode"}),
		PagesCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowfork_pages_copied_total",
			Help: "Copy-on-write pages privatized by the fault handler.",
		}),

		Scenarios: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cowfork_scenarios_total",
			Help: "Scenario runs by result.",
		}, []string{"result"}),
		ConfigReloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowfork_config_reload_total",
			Help: "Total number of config reloads.",
		}),
		ConfigReloadErrorTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cowfork_config_reload_errors_total",
			Help: "Total number of failed config reloads.",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cowfork_info",
			Help: "Build information about cowfork.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		c.FramesInUse,
		c.FramesTotal,
		c.PageFaults,
		c.Syscalls,
		c.Envs,
		c.Forks,
		c.PagesDuplicated,
		c.PagesCopied,
		c.Scenarios,
		c.ConfigReloadTotal,
		c.ConfigReloadErrorTotal,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Attach subscribes the collector to bus. Handlers only touch metrics,
// so they are safe to run while the kernel holds its lock.
func (c *Collector) Attach(bus *events.Bus) {
	bus.Subscribe(events.FrameAllocated, func(events.Event) { c.FramesInUse.Inc() })
	bus.Subscribe(events.FrameFreed, func(events.Event) { c.FramesInUse.Dec() })
	bus.Subscribe(events.PageFault, func(events.Event) {
		c.PageFaults.WithLabelValues("delivered").Inc()
	})
	bus.Subscribe(events.PageFaultFatal, func(events.Event) {
		c.PageFaults.WithLabelValues("fatal").Inc()
	})
	bus.Subscribe(events.Syscall, func(e events.Event) {
		c.Syscalls.WithLabelValues(e.Data["name"], e.Data["result"]).Inc()
	})
	bus.Subscribe(events.EnvStatusChanged, func(e events.Event) {
		c.envMoved(e.Data["from"], e.Data["to"])
	})
	bus.Subscribe(events.ForkCompleted, func(e events.Event) {
		c.Forks.WithLabelValues(e.Data["kind"]).Inc()
	})
	bus.Subscribe(events.PageDuplicated, func(e events.Event) {
		c.PagesDuplicated.WithLabelValues(e.Data["mode"]).Inc()
	})
	bus.Subscribe(events.PageCopied, func(events.Event) { c.PagesCopied.Inc() })
	bus.Subscribe(events.ScenarioFinished, func(e events.Event) {
		result := "fail"
		if e.Data["passed"] == "true" {
			result = "pass"
		}
		c.Scenarios.WithLabelValues(result).Inc()
	})
}

// envMoved keeps one gauge per status. Free slots are not counted.
func (c *Collector) envMoved(from, to string) {
	free := kernel.Free.String()
	if from != "" && from != free {
		c.Envs.WithLabelValues(strings.ToLower(from)).Dec()
	}
	if to != "" && to != free {
		c.Envs.WithLabelValues(strings.ToLower(to)).Inc()
	}
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetFramesTotal records the configured frame count.
func (c *Collector) SetFramesTotal(n int) {
	c.FramesTotal.Set(float64(n))
}

// IncConfigReload increments the config reload counter.
func (c *Collector) IncConfigReload() {
	c.ConfigReloadTotal.Inc()
}

// IncConfigReloadError increments the config reload error counter.
func (c *Collector) IncConfigReloadError() {
	c.ConfigReloadErrorTotal.Inc()
}
