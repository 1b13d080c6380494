package monitor

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plugboard/registry"
)

// Metrics carries the reconciliation and dispatch instruments. A nil
// *Metrics disables collection, so tests can run the loop without a
// prometheus registry.
type Metrics struct {
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	commands     *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, store *registry.Store) *Metrics {
	var passes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugboard", Name: "passes_total",
		Help: "Reconciliation passes by outcome.",
	}, []string{"outcome"})
	var passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plugboard", Name: "pass_duration_seconds",
		Help:    "Time taken by one reconciliation pass.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
	var commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plugboard", Name: "commands_total",
		Help: "Dispatched device commands by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(passes, passDuration, commands)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "plugboard", Name: "registry_devices",
		Help: "Devices currently known to the registry, reachable or not.",
	}, func() float64 {
		return float64(store.Len())
	}))
	reg.MustRegister(newRegistryCollector(store))
	return &Metrics{passes: passes, passDuration: passDuration, commands: commands}
}

func (m *Metrics) passCompleted(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues("completed").Inc()
	m.passDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) passFailed(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues("failed").Inc()
	m.passDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) commandFinished(confirmed bool) {
	if m == nil {
		return
	}
	if confirmed {
		m.commands.WithLabelValues("confirmed").Inc()
	} else {
		m.commands.WithLabelValues("failed").Inc()
	}
}

// registryCollector derives per-device gauges from the registry at scrape
// time, so the label set follows whatever devices the network currently
// offers.
type registryCollector struct {
	store     *registry.Store
	on        *prometheus.Desc
	reachable *prometheus.Desc
	power     *prometheus.Desc
}

func newRegistryCollector(store *registry.Store) *registryCollector {
	var labels = []string{"address", "name", "model"}
	return &registryCollector{
		store:     store,
		on:        prometheus.NewDesc("plugboard_device_on", "Last-known switch state.", labels, nil),
		reachable: prometheus.NewDesc("plugboard_device_reachable", "Whether the device answered the last pass that looked for it.", labels, nil),
		power:     prometheus.NewDesc("plugboard_device_power_watts", "Instantaneous power draw; only emitted for metering models.", labels, nil),
	}
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.on
	ch <- c.reachable
	ch <- c.power
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	for _, dev := range c.store.Snapshot() {
		var labels = []string{dev.Address.String(), dev.DisplayName, dev.Model}
		ch <- prometheus.MustNewConstMetric(c.on, prometheus.GaugeValue, gaugeFromBool(dev.IsOn), labels...)
		ch <- prometheus.MustNewConstMetric(c.reachable, prometheus.GaugeValue, gaugeFromBool(dev.IsReachable), labels...)
		if dev.SupportsPowerMetering {
			var watts, present = dev.PowerReading()
			if !present {
				watts = math.NaN()
			}
			ch <- prometheus.MustNewConstMetric(c.power, prometheus.GaugeValue, watts, labels...)
		}
	}
}

func gaugeFromBool(value bool) float64 {
	if value {
		return 1.0
	} else {
		return 0.0
	}
}
