// SPDX-FileCopyrightText: Copyright (C) 2026 The dhtmail Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes Prometheus metrics for a dhtmail node.
package instrument

import (
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	incomingPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_incoming_packets_total",
			Help: "Number of incoming packets by type",
		},
		[]string{"type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_dropped_packets_total",
			Help: "Number of dropped packets by reason",
		},
		[]string{"reason"},
	)
	storeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_store_requests_total",
			Help: "Number of inbound store requests by response status",
		},
		[]string{"status"},
	)
	dhtOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_dht_operations_total",
			Help: "Number of outbound DHT operations by kind and result",
		},
		[]string{"op", "result"},
	)
	requestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_request_timeouts_total",
			Help: "Number of DHT requests that went unanswered",
		},
	)
	routingTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dhtmail_routing_table_peers",
			Help: "Number of peers in the routing table",
		},
	)
	relayedPackets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_relayed_packets_total",
			Help: "Number of relay layers forwarded for other nodes",
		},
	)
	relaySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhtmail_relay_sends_total",
			Help: "Number of relayed stores originated by result",
		},
		[]string{"result"},
	)
	emailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_emails_sent_total",
			Help: "Number of emails sent",
		},
	)
	emailsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dhtmail_emails_received_total",
			Help: "Number of emails reassembled",
		},
	)

	initOnce sync.Once
)

// Init registers the collectors.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			incomingPackets,
			packetsDropped,
			storeRequests,
			dhtOperations,
			requestTimeouts,
			routingTableSize,
			relayedPackets,
			relaySends,
			emailsSent,
			emailsReceived,
		)
	})
}

// StartListener serves /metrics on address.  Server errors are written to
// errLog.
func StartListener(address string, errLog io.Writer) *http.Server {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:     address,
		Handler:  mux,
		ErrorLog: log.New(errLog, "", 0),
	}
	go srv.ListenAndServe()
	return srv
}

// Incoming increments the counter for incoming packets.
func Incoming(packetType string) {
	incomingPackets.WithLabelValues(packetType).Inc()
}

// PacketDropped increments the counter for dropped packets.
func PacketDropped(reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

// StoreRequest counts an inbound store request by its response status.
func StoreRequest(status string) {
	storeRequests.WithLabelValues(status).Inc()
}

// DHTOperation counts an outbound store, lookup or delete.
func DHTOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	dhtOperations.WithLabelValues(op, result).Inc()
}

// RequestTimeout increments the counter for unanswered requests.
func RequestTimeout() {
	requestTimeouts.Inc()
}

// RoutingTableSize sets the routing table gauge.
func RoutingTableSize(n int) {
	routingTableSize.Set(float64(n))
}

// Relayed increments the counter for forwarded relay layers.
func Relayed() {
	relayedPackets.Inc()
}

// RelaySend counts a relayed store by result.
func RelaySend(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	relaySends.WithLabelValues(result).Inc()
}

// EmailSent increments the counter for sent emails.
func EmailSent() {
	emailsSent.Inc()
}

// EmailReceived increments the counter for received emails.
func EmailReceived() {
	emailsReceived.Inc()
}
