package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
)

const namespace = "forkgo"

var (
	speedDesc = prometheus.NewDesc(namespace+"_axis_speed_steps_per_second",
		"Programmed velocity of the axis.", []string{"axis"}, nil)
	commandedDesc = prometheus.NewDesc(namespace+"_axis_commanded_speed_steps_per_second",
		"Commanded velocity of the axis.", []string{"axis"}, nil)
	positionDesc = prometheus.NewDesc(namespace+"_axis_position_steps",
		"Step count at native microstep resolution.", []string{"axis"}, nil)
	encoderDesc = prometheus.NewDesc(namespace+"_axis_encoder_ticks",
		"Last encoder value seen by the step scheduler.", []string{"axis"}, nil)
	sinceChangeDesc = prometheus.NewDesc(namespace+"_axis_steps_since_encoder_change",
		"Commanded steps since the encoder last moved (slip signal).", []string{"axis"}, nil)
	prevInPulseDesc = prometheus.NewDesc(namespace+"_axis_steps_per_encoder_tick",
		"Commanded steps between the last two encoder changes.", []string{"axis"}, nil)
	currentDesc = prometheus.NewDesc(namespace+"_axis_current_milliamps",
		"Current last written to the driver.", []string{"axis", "tier"}, nil)
	resolutionDesc = prometheus.NewDesc(namespace+"_axis_step_resolution",
		"Microsteps per emitted pulse.", []string{"axis"}, nil)
	enabledDesc = prometheus.NewDesc(namespace+"_axis_enabled",
		"1 when the axis is enabled.", []string{"axis"}, nil)
	backlashDesc = prometheus.NewDesc(namespace+"_axis_backlash_active",
		"1 while a backlash job runs.", []string{"axis"}, nil)
	faultDesc = prometheus.NewDesc(namespace+"_axis_driver_fault",
		"1 when driver bring-up failed.", []string{"axis"}, nil)
)

// axisCollector reads the axis telemetry on every scrape.
type axisCollector struct {
	status func() []stepper.Status
}

func (c axisCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		speedDesc, commandedDesc, positionDesc, encoderDesc, sinceChangeDesc,
		prevInPulseDesc, currentDesc, resolutionDesc, enabledDesc, backlashDesc, faultDesc,
	} {
		ch <- d
	}
}

func (c axisCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.status() {
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{st.Name}, labels...)...)
		}
		gauge(speedDesc, st.Speed)
		gauge(commandedDesc, st.CommandedSpeed)
		gauge(positionDesc, float64(st.Position))
		gauge(encoderDesc, float64(st.Encoder.Value))
		gauge(sinceChangeDesc, float64(st.Encoder.TicksSinceChange))
		gauge(prevInPulseDesc, float64(st.Encoder.PrevTicksInPulse))
		gauge(currentDesc, st.CurrentApplied, st.Tier)
		gauge(resolutionDesc, float64(st.Resolution))
		gauge(enabledDesc, flag(st.Enabled))
		gauge(backlashDesc, flag(st.BacklashActive))
		gauge(faultDesc, flag(st.Fault != ""))
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Metrics owns the prometheus registry of the server.
type Metrics struct {
	registry *prometheus.Registry
	commands *prometheus.CounterVec
}

// NewMetrics registers the axis collector for mount, the command counter and
// the Go runtime collectors on a private registry.
func NewMetrics(mount Mount) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "commands_total",
			Help:      "Commands accepted over HTTP.",
		}, []string{"axis", "command"}),
	}
	m.registry.MustRegister(
		axisCollector{status: func() []stepper.Status {
			st := mount.Status()
			return []stepper.Status{st.RA, st.DEC}
		}},
		m.commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) command(axis, cmd string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(axis, cmd).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
