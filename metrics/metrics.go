package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	nodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretvault_node_requests_total",
			Help: "Requests sent by cluster clients to storage nodes",
		},
		[]string{"node", "operation", "result"},
	)
	quorumDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretvault_quorum_dropped_records_total",
			Help: "Records discarded because not enough nodes returned a share",
		},
		[]string{"collection"},
	)
	tokenRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretvault_token_rejections_total",
			Help: "Bearer tokens rejected by a validator",
		},
		[]string{"reason"},
	)
	gatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secretvault_gateway_requests_total",
			Help: "Chat completion requests served by the gateway",
		},
		[]string{"auth", "result"},
	)
	signDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secretvault_tss_ceremony_seconds",
			Help:    "Duration of threshold keygen and signing ceremonies",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"ceremony", "result"},
	)
)

var all = []prometheus.Collector{
	nodeRequests,
	quorumDropped,
	tokenRejections,
	gatewayRequests,
	signDuration,
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// NodeRequest records one request from a cluster client to a node.
func NodeRequest(node, operation string, err error) {
	nodeRequests.WithLabelValues(node, operation, resultLabel(err)).Inc()
}

// QuorumDropped records records discarded during share reduction.
func QuorumDropped(collection string, n int) {
	quorumDropped.WithLabelValues(collection).Add(float64(n))
}

func TokenRejected(reason string) {
	tokenRejections.WithLabelValues(reason).Inc()
}

func GatewayRequest(auth string, err error) {
	gatewayRequests.WithLabelValues(auth, resultLabel(err)).Inc()
}

// Ceremony observes the duration of a keygen or signing ceremony.
func Ceremony(kind string, start time.Time, err error) {
	signDuration.WithLabelValues(kind, resultLabel(err)).Observe(time.Since(start).Seconds())
}
