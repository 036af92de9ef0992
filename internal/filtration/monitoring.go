package filtration

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfstrace_filtration_packets_total",
		Help: "Count of packets read from the capture source.",
	},
		[]string{"transport"})

	recordsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_filtration_records_published_total",
		Help: "Count of filtered records pushed to the transfer queue.",
	})

	recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_filtration_records_dropped_total",
		Help: "Count of records dropped because the transfer queue was full.",
	})

	bytesPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_filtration_bytes_published_total",
		Help: "Count of message bytes pushed to the transfer queue.",
	})

	streamsLostSync = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfstrace_filtration_lost_sync_total",
		Help: "Count of times a stream lost message boundaries and resynchronized.",
	},
		[]string{"protocol"})

	packetsDumped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_filtration_packets_dumped_total",
		Help: "Count of packets written to dump files.",
	})

	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nfstrace_filtration_sessions",
		Help: "Number of sessions in the session table.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		packetsReceived,
		recordsPublished,
		recordsDropped,
		bytesPublished,
		streamsLostSync,
		packetsDumped,
		sessionsGauge,
	)
}
