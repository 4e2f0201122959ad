// Package metrics provides Prometheus metrics for the IPMsg engine plus a
// periodic throughput line on the console.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/ipmsg/internal/protocol"
)

var (
	// UDP packet metrics
	packetsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipmsg_packets_sent_total",
			Help: "Total number of UDP packets sent, by command",
		},
		[]string{"command"},
	)

	packetsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipmsg_packets_received_total",
			Help: "Total number of UDP packets received, by command",
		},
		[]string{"command"},
	)

	packetsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipmsg_packets_malformed_total",
			Help: "Total number of datagrams dropped because they failed to decode",
		},
	)

	sendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipmsg_send_errors_total",
			Help: "Total number of datagrams dropped by socket send errors",
		},
	)

	// Presence metrics
	peersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ipmsg_peers_online",
			Help: "Number of peers currently Online or Busy",
		},
	)

	peersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ipmsg_peers_evicted_total",
			Help: "Peers marked Offline after failing discovery probes",
		},
	)

	// Delivery metrics
	recipientsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipmsg_message_recipients_total",
			Help: "Message recipients resolved, by outcome",
		},
		[]string{"outcome"},
	)

	// Transfer metrics
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipmsg_transfer_bytes_total",
			Help: "File transfer payload bytes, by direction",
		},
		[]string{"direction"},
	)

	transfersFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipmsg_transfers_total",
			Help: "Finished transfers, by role and final state",
		},
		[]string{"role", "state"},
	)
)

// Console mirror of the byte/packet counters, read by the reporter.
var (
	bytesSent   atomic.Int64
	bytesRecv   atomic.Int64
	udpSent     atomic.Int64
	udpReceived atomic.Int64
)

// RecordPacketSent counts one datagram written to the socket.
func RecordPacketSent(cmd uint8) {
	packetsSent.WithLabelValues(protocol.CommandName(cmd)).Inc()
	udpSent.Add(1)
}

// RecordPacketReceived counts one decoded datagram.
func RecordPacketReceived(cmd uint8) {
	packetsReceived.WithLabelValues(protocol.CommandName(cmd)).Inc()
	udpReceived.Add(1)
}

// RecordMalformed counts a datagram that failed to decode.
func RecordMalformed() {
	packetsMalformed.Inc()
}

// RecordSendError counts a dropped outbound datagram.
func RecordSendError() {
	sendErrors.Inc()
}

// SetPeersOnline sets the online peer gauge.
func SetPeersOnline(n int) {
	peersOnline.Set(float64(n))
}

// RecordPeerEvicted counts a discovery eviction.
func RecordPeerEvicted() {
	peersEvicted.Inc()
}

// RecordRecipient counts a recipient resolution ("delivered" or "failed").
func RecordRecipient(outcome string) {
	recipientsResolved.WithLabelValues(outcome).Inc()
}

// AddTransferSent counts payload bytes written to a transfer connection.
func AddTransferSent(n int) {
	transferBytes.WithLabelValues("sent").Add(float64(n))
	bytesSent.Add(int64(n))
}

// AddTransferReceived counts payload bytes read from a transfer connection.
func AddTransferReceived(n int) {
	transferBytes.WithLabelValues("received").Add(float64(n))
	bytesRecv.Add(int64(n))
}

// RecordTransfer counts a transfer reaching a final state.
func RecordTransfer(role, state string) {
	transfersFinished.WithLabelValues(role, state).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
