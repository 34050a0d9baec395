package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/solarvalve/tele"
)

const (
	resultOK       = "ok"
	resultNotFound = "not_found"
	resultError    = "error"
	resultDecode   = "decode"
)

// Stat is hub counters on private registry, exposed at /metrics.
type Stat struct {
	Registry *prometheus.Registry

	Discovery        *prometheus.CounterVec
	DrainSessions    *prometheus.CounterVec
	CommandsServed   prometheus.Counter
	CommandsAppended prometheus.Counter
	QueueLength      prometheus.Gauge
	FaucetEvents     prometheus.Counter
	Temperature      *prometheus.GaugeVec
	LastReading      prometheus.Gauge
}

func NewStat() *Stat {
	s := &Stat{
		Registry: prometheus.NewRegistry(),
		Discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarvalve_discovery_total",
			Help: "Telemetry discovery attempts by result.",
		}, []string{"result"}),
		DrainSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solarvalve_drain_sessions_total",
			Help: "Command serving sessions by result.",
		}, []string{"result"}),
		CommandsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarvalve_commands_served_total",
			Help: "Commands popped by node reads, end marker excluded.",
		}),
		CommandsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarvalve_commands_appended_total",
			Help: "Commands accepted from admin API.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solarvalve_queue_length",
			Help: "Pending commands.",
		}),
		FaucetEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solarvalve_faucet_events_total",
			Help: "Observed faucet_closed transitions.",
		}),
		Temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solarvalve_temperature_celsius",
			Help: "Last known temperature by probe, absent probe reading is not exported.",
		}, []string{"probe"}),
		LastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solarvalve_last_reading_timestamp_seconds",
			Help: "Node timestamp of last received reading.",
		}),
	}
	s.Registry.MustRegister(
		s.Discovery,
		s.DrainSessions,
		s.CommandsServed,
		s.CommandsAppended,
		s.QueueLength,
		s.FaucetEvents,
		s.Temperature,
		s.LastReading,
	)
	return s
}

func (s *Stat) observeReading(r tele.Reading) {
	for probe, v := range map[string]*float64{"solar": r.Solar, "tank": r.Tank} {
		if v != nil {
			s.Temperature.WithLabelValues(probe).Set(*v)
		} else {
			s.Temperature.DeleteLabelValues(probe)
		}
	}
	s.LastReading.Set(float64(r.Timestamp))
}
