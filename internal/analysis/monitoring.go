package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfstrace_analysis_records_processed_total",
		Help: "Count of records drained from the transfer queue.",
	},
		[]string{"protocol"})

	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_analysis_decode_errors_total",
		Help: "Count of records that could not be decoded.",
	})

	unmatchedReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_analysis_unmatched_replies_total",
		Help: "Count of replies and SMB responses without a pending request.",
	})

	evictedCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nfstrace_analysis_evicted_calls_total",
		Help: "Count of calls and SMB requests evicted before their reply was seen.",
	})

	queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nfstrace_analysis_queue_pending",
		Help: "Number of records published but not yet drained.",
	})

	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nfstrace_analysis_batch_size",
		Help:    "Number of records per drained batch.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	procedureCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfstrace_procedures_total",
		Help: "Count of RPC calls and SMB requests by procedure or command.",
	},
		[]string{"program", "version", "procedure"})

	procedureLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nfstrace_procedure_latency_seconds",
		Help:    "Time between an RPC call or SMB request and its reply.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	},
		[]string{"program", "version", "procedure"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		// Dispatcher
		recordsProcessed,
		decodeErrors,
		unmatchedReplies,
		evictedCalls,
		queuePending,
		batchSize,

		// Breakdown
		procedureCalls,
		procedureLatency,
	)
}
