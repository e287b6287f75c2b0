package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	reasonInitial   = "initial"
	reasonStale     = "stale"
	reasonPeriodic  = "periodic"
	reasonRequested = "requested"

	resyncMissingBase = "missing_base"
	resyncMissingView = "missing_view"
	resyncOversized   = "oversized"
	resyncEncodeError = "encode_error"
)

type Metrics struct {
	Snapshots      *prometheus.CounterVec
	Deltas         prometheus.Counter
	Corrections    prometheus.Counter
	ForcedResyncs  *prometheus.CounterVec
	RejectedInputs *prometheus.CounterVec
	PayloadBytes   *prometheus.HistogramVec
	Version        prometheus.Gauge
	Clients        prometheus.Gauge
	RTTSeconds     prometheus.Histogram
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "snapshots_sent_total",
			Help:      "Full snapshots sent, by reason",
		}, []string{"reason"}),
		Deltas: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "deltas_sent_total",
			Help:      "Delta packets sent",
		}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "corrections_sent_total",
			Help:      "Prediction corrections sent",
		}),
		ForcedResyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "forced_resyncs_total",
			Help:      "Delta attempts abandoned in favour of a snapshot next cycle, by reason",
		}, []string{"reason"}),
		RejectedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "rejected_inputs_total",
			Help:      "Client inputs dropped, by reason",
		}, []string{"reason"}),
		PayloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "payload_bytes",
			Help:      "Compressed payload size per packet",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}, []string{"kind"}),
		Version: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "world_version",
			Help:      "Current world version",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "clients",
			Help:      "Registered clients",
		}),
		RTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "worldsync",
			Subsystem: "sync",
			Name:      "rtt_seconds",
			Help:      "Round-trip samples from acknowledgements",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Snapshots, m.Deltas, m.Corrections, m.ForcedResyncs, m.RejectedInputs,
			m.PayloadBytes, m.Version, m.Clients, m.RTTSeconds,
		)
	}
	return m
}
