package fleet

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/phyn-bridge/internal/device"
)

const namespace = "phynbridge"

// Metrics holds the fleet's Prometheus instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sweepDuration prometheus.Histogram
	sweeps        prometheus.Counter
	refreshes     *prometheus.CounterVec
	lastSweep     prometheus.Gauge
	pushes        *prometheus.CounterVec
	changes       *prometheus.CounterVec
}

// NewMetrics creates the fleet instruments and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full fleet refresh sweep",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Number of fleet refresh sweeps",
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_refreshes_total",
			Help:      "Device refreshes by outcome",
		}, []string{"device_id", "result"}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time the last sweep finished",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_messages_total",
			Help:      "Push messages by routing outcome",
		}, []string{"result"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_changes_total",
			Help:      "State change notifications by kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.sweepDuration, m.sweeps, m.refreshes, m.lastSweep, m.pushes, m.changes)
	return m
}

func (m *Metrics) observeSweep(r *SweepReport) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepDuration.Observe(r.Duration.Seconds())
	m.lastSweep.Set(float64(r.StartedAt.Add(r.Duration).Unix()))
	for _, res := range r.Results {
		result := "ok"
		switch {
		case res.Err == nil:
		case isTimeout(res.Err):
			result = "timeout"
		default:
			result = "error"
		}
		m.refreshes.WithLabelValues(res.DeviceID, result).Inc()
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, device.ErrTimeout)
}

func (m *Metrics) pushRouted() {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues("routed").Inc()
}

func (m *Metrics) pushDropped(reason string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(reason).Inc()
}

func (m *Metrics) change(kind device.ChangeKind) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(string(kind)).Inc()
}

// =============================================================================
// Resolved state collector
// =============================================================================

var (
	valueDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "value"),
		"Resolved numeric or boolean device attribute",
		[]string{"device_id", "profile", "attribute"}, nil,
	)
	valveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "valve_state"),
		"Derived valve state, 1 for the current state",
		[]string{"device_id", "state"}, nil,
	)
	tickDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "device", "refresh_ticks"),
		"Number of refreshes attempted for the device",
		[]string{"device_id"}, nil,
	)
)

// Collector exports resolved attributes of every agent at scrape time.
// Unknown and non-numeric attributes are skipped.
type Collector struct {
	coord *Coordinator
}

// NewCollector creates a collector over the coordinator's agents.
func NewCollector(coord *Coordinator) *Collector {
	return &Collector{coord: coord}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- valueDesc
	ch <- valveDesc
	ch <- tickDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, a := range c.coord.Agents() {
		kind := string(a.Profile().Kind)
		for attr, v := range a.ResolveAll() {
			f, ok := metricValue(v)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(valueDesc, prometheus.GaugeValue, f, a.ID(), kind, attr)
		}

		if _, ok := a.Commandable(); ok {
			current := a.ValveState()
			for _, st := range []device.ValveState{device.ValveOpen, device.ValveClosed, device.ValveOpening, device.ValveClosing, device.ValveUnknown} {
				val := 0.0
				if st == current {
					val = 1
				}
				ch <- prometheus.MustNewConstMetric(valveDesc, prometheus.GaugeValue, val, a.ID(), string(st))
			}
		}

		ch <- prometheus.MustNewConstMetric(tickDesc, prometheus.CounterValue, float64(a.Status().TickCount), a.ID())
	}
}

func metricValue(v device.Value) (float64, bool) {
	if f, ok := v.Float(); ok {
		return f, true
	}
	if b, ok := v.Bool(); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
