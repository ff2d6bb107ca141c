package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons used as metric labels
const (
	reasonEmpty            = "empty"
	reasonOversized        = "oversized"
	reasonMalformed        = "malformed"
	reasonUnknownSender    = "unknown_sender"
	reasonInvalidSignature = "invalid_signature"
)

// Metrics are the prometheus collectors of the Core and the Synchronizer
type Metrics struct {
	sealedBatches     prometheus.Counter
	sealedBatchBytes  prometheus.Histogram
	sealedBatchTxs    prometheus.Histogram
	receivedBatches   *prometheus.CounterVec
	rejectedTxs       *prometheus.CounterVec
	rejectedMessages  *prometheus.CounterVec
	consensusRequests *prometheus.CounterVec
	syncRequestsSent  prometheus.Counter
	syncRetries       prometheus.Counter
	syncServed        prometheus.Counter
	pendingRequests   prometheus.Gauge
	stuckRequests     prometheus.Gauge
	droppedOutbound   *prometheus.CounterVec
	droppedReplies    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sealedBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempool_sealed_batches_total",
			Help: "The total number of batches sealed by this authority",
		}),
		sealedBatchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mempool_sealed_batch_bytes",
			Help:    "Serialized size of sealed batches",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		sealedBatchTxs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mempool_sealed_batch_transactions",
			Help:    "Number of transactions in sealed batches",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		receivedBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_received_batches_total",
			Help: "Batches received from peers, by whether they were new",
		}, []string{"result"}),
		rejectedTxs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_rejected_transactions_total",
			Help: "Client transactions that could not be batched",
		}, []string{"reason"}),
		rejectedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_rejected_messages_total",
			Help: "Peer messages discarded by the core",
		}, []string{"type", "reason"}),
		consensusRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_consensus_requests_total",
			Help: "Consensus lookups, by whether the batch was stored locally",
		}, []string{"result"}),
		syncRequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempool_sync_requests_sent_total",
			Help: "Sync request messages queued for peers",
		}),
		syncRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempool_sync_retries_total",
			Help: "Digests re-requested after the retry delay elapsed",
		}),
		syncServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempool_sync_batches_served_total",
			Help: "Batches queued for peers in response to their sync requests",
		}),
		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mempool_sync_pending_requests",
			Help: "Digests consensus is waiting on that have not arrived yet",
		}),
		stuckRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mempool_sync_stuck_requests",
			Help: "Pending requests that have been retried more than the stuck threshold",
		}),
		droppedOutbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mempool_outbound_dropped_total",
			Help: "Peer messages dropped because the destination queue was full",
		}, []string{"kind"}),
		droppedReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "mempool_consensus_replies_dropped_total",
			Help: "Batches not handed to consensus because the reply channel was full",
		}),
	}
}
