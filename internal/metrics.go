package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bucketgossip"

// Metrics contains the metrics for a single node. Each node registers its
// own metrics so multiple nodes can run in the same process.
type Metrics struct {
	GossipTicks           prometheus.Counter
	GossipStatusSent      prometheus.Counter
	GossipEnvelopesSent   prometheus.Counter
	GossipMessagesDropped *prometheus.CounterVec
	BucketsAccepted       prometheus.Counter
	BucketsRejected       *prometheus.CounterVec
	BucketsRemoved        prometheus.Counter
	Peers                 prometheus.Gauge
	RemoteBuckets         prometheus.Gauge
	LocalIncarnation      prometheus.Gauge
	SnapshotSaves         *prometheus.CounterVec
}

// NewMetrics creates the node metrics and registers them with the given
// registerer. If the registerer is nil the metrics are not exported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GossipTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gossip_ticks_total",
			Help:      "Total number of gossip rounds started.",
		}),
		GossipStatusSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gossip_status_sent_total",
			Help:      "Total number of gossip status messages sent.",
		}),
		GossipEnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gossip_envelopes_sent_total",
			Help:      "Total number of gossip envelopes sent.",
		}),
		GossipMessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "gossip_messages_dropped_total",
				Help:      "Total number of received gossip messages that were discarded.",
			},
			[]string{"reason"},
		),
		BucketsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buckets_accepted_total",
			Help:      "Total number of remote buckets accepted.",
		}),
		BucketsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "buckets_rejected_total",
				Help:      "Total number of remote buckets discarded.",
			},
			[]string{"reason"},
		),
		BucketsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "buckets_removed_total",
			Help:      "Total number of remote buckets removed.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Number of peers gossiped with.",
		}),
		RemoteBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "remote_buckets",
			Help:      "Number of known remote buckets.",
		}),
		LocalIncarnation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "local_incarnation",
			Help:      "Incarnation of the local bucket.",
		}),
		SnapshotSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_saves_total",
				Help:      "Total number of incarnation snapshots saved.",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.GossipTicks,
			m.GossipStatusSent,
			m.GossipEnvelopesSent,
			m.GossipMessagesDropped,
			m.BucketsAccepted,
			m.BucketsRejected,
			m.BucketsRemoved,
			m.Peers,
			m.RemoteBuckets,
			m.LocalIncarnation,
			m.SnapshotSaves,
		)
	}
	return m
}
