// Package metrics exports session metrics to Prometheus.
//
// The session keeps lock-free atomic counters; Collector reads them on every scrape through
// CounterFunc and GaugeFunc values, so the read loop never touches Prometheus types.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-medlink/session"
)

// DefaultNamespace is the metric namespace used when none is given.
const DefaultNamespace = "medlink"

// Collector is a prometheus.Collector over the metrics of one session.
type Collector struct {
	collectors []prometheus.Collector
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m. Every metric carries a "session" const label.
func NewCollector(namespace string, sessionID string, m *session.Metrics) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := prometheus.Labels{"session": sessionID}

	counter := func(name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(fn()) })
	}

	c := &Collector{}
	c.collectors = append(c.collectors,
		counter("bytes_read_total", "Bytes read from byte sources.", m.BytesRead.Load),
		counter("frames_decoded_total", "Frames that passed integrity checks.", m.FramesDecoded.Load),
		counter("frame_errors_total", "Framing errors.", m.FrameErrors.Load),
		counter("fault_notices_total", "Fault notices, interpreter or device generated.", m.FaultNotices.Load),
		counter("batches_accepted_total", "Sample batches buffered.", m.BatchesAccepted.Load),
		counter("batches_rejected_total", "Duplicate or stale sample batches.", m.BatchesRejected.Load),
		counter("samples_accepted_total", "Samples buffered.", m.SamplesAccepted.Load),
		counter("samples_drained_total", "Samples delivered to consumers.", m.SamplesDrained.Load),
		counter("gaps_total", "Sequence gaps.", m.Gaps.Load),
		counter("dropped_batches_total", "Buffered batches discarded.", m.DroppedBatches.Load),
		counter("dropped_samples_total", "Buffered samples discarded.", m.DroppedSamples.Load),
		counter("degradations_total", "Transitions into the degraded state.", m.Degradations.Load),
		counter("reconnects_total", "Successful reconnects.", m.Reconnects.Load),
		counter("coalesced_faults_total", "Fault reports absorbed by a reconnect in progress.", m.CoalescedFaults.Load),
		counter("notifications_dropped_total", "Notifications not delivered to slow subscribers.", m.NotificationsDropped.Load),
		counter("commands_sent_total", "Mode commands sent to the device.", m.CommandsSent.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "reconnect_attempts",
			Help:        "Reconnect attempts in the current reconnect cycle.",
			ConstLabels: labels,
		}, func() float64 { return float64(m.ConnRetryGauge.Load()) }),
	)

	return c
}

// ForSession creates a collector for s, including a gauge of its current state.
func ForSession(namespace string, s *session.Session) *Collector {
	c := NewCollector(namespace, s.ID(), s.Metrics())
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c.collectors = append(c.collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "session",
		Name:        "state",
		Help:        "Session state (0=connecting, 1=streaming, 2=degraded, 3=reconnecting, 4=closed).",
		ConstLabels: prometheus.Labels{"session": s.ID()},
	}, func() float64 { return float64(s.State()) }))

	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, col := range c.collectors {
		col.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, col := range c.collectors {
		col.Collect(ch)
	}
}

// Handler returns an HTTP handler serving the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
