// SPDX-License-Identifier: GPL-2.0-only

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	packetsSent       *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	inQueueLength     prometheus.Gauge
	state             prometheus.Gauge
	handshakeDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_packets_sent_total",
			Help: "The number of packets sent to the peer, by type.",
		}, []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_packets_received_total",
			Help: "The number of packets received from the peer, by type.",
		}, []string{"type"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_usb_transfers_total",
			Help: "The number of completed USB transfers on the source device, by status.",
		}, []string{"status"}),
		inQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_in_queue_length",
			Help: "The number of IN packets waiting to be sent to the peer.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_state",
			Help: "The current session state: 0 selecting, 1 fixing, 2 handshaking, 3 running, 4 terminating.",
		}),
		handshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_handshake_duration_seconds",
			Help:    "The time it took the peer to acknowledge the descriptors, the index and the endpoints.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.packetsSent, m.packetsReceived, m.transfers, m.inQueueLength, m.state, m.handshakeDuration)
	}

	return m
}
