// Package metrics exposes conductor activity as Prometheus metrics.
//
// A Collector is a conductor observer: every event updates counters,
// histograms or gauges on a private registry served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/device"
)

// Namespace prefixes every metric name.
const Namespace = "tsr"

// Outcome label values.
const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// latencyBuckets are in seconds, from 1ms to 5s.
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5}

// Collector turns conductor events into Prometheus metrics.
//
// Thread Safety: OnEvent may be called from any goroutine.
type Collector struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	commandLateness *prometheus.HistogramVec
	commandDuration *prometheus.HistogramVec
	commandErrors   *prometheus.CounterVec
	slowCommands    *prometheus.CounterVec
	stateDrift      *prometheus.CounterVec
	resyncRequests  *prometheus.CounterVec
	deviceConnected *prometheus.GaugeVec
	deviceErrors    *prometheus.CounterVec

	cycles             prometheus.Counter
	cycleCommands      prometheus.Counter
	cycleDuration      prometheus.Histogram
	resolutionFailures prometheus.Counter
}

var _ conductor.Observer = (*Collector)(nil)

// New creates a Collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commands_total",
			Help:      "Commands executed by device queues.",
		}, []string{"device", "outcome"}),
		commandLateness: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_lateness_seconds",
			Help:      "Delay between a command's planned time and its start.",
			Buckets:   latencyBuckets,
		}, []string{"device"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent sending a command.",
			Buckets:   latencyBuckets,
		}, []string{"device"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "command_errors_total",
			Help:      "Command errors reported by devices or the scheduler.",
		}, []string{"device"}),
		slowCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "slow_commands_total",
			Help:      "Commands that started later than the slow threshold.",
		}, []string{"device"}),
		stateDrift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_drift_total",
			Help:      "Addresses whose feedback disagreed with the commanded state.",
		}, []string{"device"}),
		resyncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resync_requests_total",
			Help:      "Resync and resolver reset requests raised by devices.",
		}, []string{"device", "type"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "device_connected",
			Help:      "1 when the device reports a connection, 0 otherwise.",
		}, []string{"device"}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "device_errors_total",
			Help:      "Failures converting or diffing a device state.",
		}, []string{"device"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resolve_cycles_total",
			Help:      "Completed resolve cycles.",
		}),
		cycleCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scheduled_commands_total",
			Help:      "Commands scheduled by resolve cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "resolve_cycle_duration_seconds",
			Help:      "Time spent in one resolve cycle.",
			Buckets:   latencyBuckets,
		}),
		resolutionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resolution_failures_total",
			Help:      "Resolver calls that returned an error.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.commands,
		c.commandLateness,
		c.commandDuration,
		c.commandErrors,
		c.slowCommands,
		c.stateDrift,
		c.resyncRequests,
		c.deviceConnected,
		c.deviceErrors,
		c.cycles,
		c.cycleCommands,
		c.cycleDuration,
		c.resolutionFailures,
	)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OnEvent implements conductor.Observer.
func (c *Collector) OnEvent(ev conductor.Event) {
	switch ev.Type {
	case conductor.EventCommandReport:
		if ev.Report == nil {
			return
		}
		r := ev.Report
		outcome := outcomeOK
		if r.Err != nil {
			outcome = outcomeError
		}
		c.commands.WithLabelValues(r.DeviceID, outcome).Inc()
		c.commandLateness.WithLabelValues(r.DeviceID).Observe(msToSeconds(max(r.Start-r.Planned, 0)))
		c.commandDuration.WithLabelValues(r.DeviceID).Observe(msToSeconds(max(r.End-r.Start, 0)))
	case device.EventCommandError:
		c.commandErrors.WithLabelValues(ev.DeviceID).Inc()
	case device.EventSlowCommand:
		c.slowCommands.WithLabelValues(ev.DeviceID).Inc()
	case device.EventStateDrift:
		c.stateDrift.WithLabelValues(ev.DeviceID).Inc()
	case device.EventResyncStates, device.EventResetResolver:
		c.resyncRequests.WithLabelValues(ev.DeviceID, string(ev.Type)).Inc()
	case device.EventConnectionChanged:
		v := 0.0
		if ev.Connected {
			v = 1
		}
		c.deviceConnected.WithLabelValues(ev.DeviceID).Set(v)
	case conductor.EventDeviceError:
		c.deviceErrors.WithLabelValues(ev.DeviceID).Inc()
	case conductor.EventResolved:
		c.cycles.Inc()
		if ev.Cycle != nil {
			c.cycleCommands.Add(float64(ev.Cycle.Commands))
			c.cycleDuration.Observe(msToSeconds(ev.Cycle.DurationMS))
		}
	case conductor.EventResolutionFailed:
		c.resolutionFailures.Inc()
	}
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
