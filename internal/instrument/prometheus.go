// SPDX-FileCopyrightText: © 2024 Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the client's prometheus metrics.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"
)

var (
	topologyRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_topology_refreshes_total",
			Help: "Number of topology refresh attempts by result",
		},
		[]string{"result"},
	)
	topologyAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixclient_topology_age_seconds",
			Help: "Time since the current topology snapshot was installed",
		},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_packets_sent_total",
			Help: "Number of packets handed to the gateway by kind",
		},
		[]string{"kind"},
	)
	senderQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixclient_sender_queue_length",
			Help: "Number of packets waiting for the gateway session",
		},
	)
	acksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_acks_received_total",
			Help: "Number of acknowledgements received, by whether they matched a pending fragment",
		},
		[]string{"matched"},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_retransmissions_total",
			Help: "Number of fragment retransmissions",
		},
	)
	pendingAcks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixclient_pending_acks",
			Help: "Number of fragments awaiting acknowledgement",
		},
	)
	messagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_messages_failed_total",
			Help: "Number of messages given up after exhausting retransmissions",
		},
	)
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_packets_received_total",
			Help: "Number of inbound packets by kind",
		},
		[]string{"kind"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mixclient_packets_dropped_total",
			Help: "Number of inbound packets discarded by reason",
		},
		[]string{"reason"},
	)
	messagesReassembled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_messages_reassembled_total",
			Help: "Number of messages reassembled",
		},
	)
	reassemblyEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mixclient_reassembly_evicted_total",
			Help: "Number of incomplete messages evicted as stale",
		},
	)
	reassemblyPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixclient_reassembly_pending",
			Help: "Number of incomplete messages being reassembled",
		},
	)
	messagesBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mixclient_messages_buffered",
			Help: "Number of reassembled messages waiting for a receiver",
		},
	)
)

func init() {
	prometheus.MustRegister(
		topologyRefreshes,
		topologyAge,
		packetsSent,
		senderQueueLength,
		acksReceived,
		retransmissions,
		pendingAcks,
		messagesFailed,
		packetsReceived,
		packetsDropped,
		messagesReassembled,
		reassemblyEvicted,
		reassemblyPending,
		messagesBuffered,
	)
}

// StartPrometheusListener exposes the registered metrics via HTTP on
// address.  The listener is bound before returning.
func StartPrometheusListener(address string, log *logging.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus listener failed: %v", err)
		}
	}()
	log.Noticef("Serving metrics on http://%s/metrics", ln.Addr())
	return srv, nil
}

// TopologyRefresh counts one topology refresh attempt.
func TopologyRefresh(ok bool) {
	if ok {
		topologyRefreshes.WithLabelValues("ok").Inc()
		return
	}
	topologyRefreshes.WithLabelValues("failed").Inc()
}

// TopologyAge records the age of the current topology snapshot.
func TopologyAge(d time.Duration) {
	topologyAge.Set(d.Seconds())
}

// PacketSent counts one packet of the given kind handed to the gateway.
func PacketSent(kind string) {
	packetsSent.WithLabelValues(kind).Inc()
}

// SenderQueueLength records the mix traffic sender's queue depth.
func SenderQueueLength(n int) {
	senderQueueLength.Set(float64(n))
}

// AckReceived counts one acknowledgement.
func AckReceived(matched bool) {
	if matched {
		acksReceived.WithLabelValues("true").Inc()
		return
	}
	acksReceived.WithLabelValues("false").Inc()
}

// Retransmission counts one fragment retransmission.
func Retransmission() {
	retransmissions.Inc()
}

// PendingAcks records the number of fragments awaiting acknowledgement.
func PendingAcks(n int) {
	pendingAcks.Set(float64(n))
}

// MessageFailed counts one message given up.
func MessageFailed() {
	messagesFailed.Inc()
}

// PacketReceived counts one inbound packet of the given kind.
func PacketReceived(kind string) {
	packetsReceived.WithLabelValues(kind).Inc()
}

// PacketDropped counts one discarded inbound packet.
func PacketDropped(reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

// MessageReassembled counts one reassembled message.
func MessageReassembled() {
	messagesReassembled.Inc()
}

// ReassemblyEvicted counts n stale reassembly entries.
func ReassemblyEvicted(n int) {
	reassemblyEvicted.Add(float64(n))
}

// ReassemblyPending records the number of incomplete messages.
func ReassemblyPending(n int) {
	reassemblyPending.Set(float64(n))
}

// MessagesBuffered records the number of messages waiting for a receiver.
func MessagesBuffered(n int) {
	messagesBuffered.Set(float64(n))
}
