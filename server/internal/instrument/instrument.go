// instrument.go - Stillpost server instrumentation.
// Copyright (C) 2025  Stillpost Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package instrument tracks the packet pipeline counters, and optionally
// exposes them to Prometheus.  The atomic aggregates exist so that the
// counters stay readable in-process; Prometheus collectors are write-only.
package instrument

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stillpost/stillpost/core/wire"
)

var (
	incomingConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stillpost_incoming_total_requests",
			Help: "Number of incoming requests",
		},
		[]string{"command"},
	)
	outgoingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_outgoing_total_connections",
			Help: "Number of outgoing connections",
		},
	)
	cancelledOutgoingConns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_cancelled_outgoing_connections",
			Help: "Number of cancelled outgoing connections",
		},
	)
	ingressQueueSize = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "stillpost_ingress_queue_size",
			Help: "Size of the ingress queue",
		},
	)
	mixQueueSize = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "stillpost_mix_queue_size",
			Help: "Size of the mix queue",
		},
	)
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_received_packets",
			Help: "Number of packets accepted into the pipeline",
		},
	)
	packetsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_processed_packets",
			Help: "Number of packets that survived Sphinx processing",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_forwarded_packets",
			Help: "Number of packets forwarded to the next hop",
		},
	)
	terminalPackets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_terminal_packets",
			Help: "Number of packets that terminated at this node",
		},
	)
	packetsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_dropped_packets",
			Help: "Number of dropped packets",
		},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_replayed_packets",
			Help: "Number of replayed packets",
		},
	)
	invalidPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_invalid_packets",
			Help: "Number of invalid packets dropped",
		},
	)
	deadlineBlownPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_deadline_blown_packets",
			Help: "Number of packets dropped due to excessive dwell time",
		},
	)
	mixPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_mix_packets_dropped",
			Help: "Number of packets dropped by the mix queue",
		},
	)
	queueFullPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_queue_full_packets_dropped",
			Help: "Number of packets dropped because a queue would not accept them",
		},
	)
	outgoingPacketsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_number_of_outgoing_packets_dropped",
			Help: "Number of packets dropped by the outgoing workers",
		},
	)
	pkiDocs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stillpost_total_number_of_pki_docs_per_epoch",
			Help: "Number of topology documents accepted per epoch",
		},
		[]string{"epoch"},
	)
	ignoredPKIDocs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stillpost_total_documents_ignored",
			Help: "Number of topology documents rejected",
		},
	)
	channelLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stillpost_channel_length",
			Help: "Length of internal pipeline channels",
		},
		[]string{"channel"},
	)

	initOnce sync.Once

	counters countersState
)

// Counters is a snapshot of the pipeline counters.
type Counters struct {
	Received         uint64
	Processed        uint64
	Forwarded        uint64
	Terminal         uint64
	Dropped          uint64
	DroppedReplay    uint64
	DroppedInvalid   uint64
	DroppedDeadline  uint64
	DroppedQueueFull uint64
	DroppedOutgoing  uint64
}

type countersState struct {
	received         uint64
	processed        uint64
	forwarded        uint64
	terminal         uint64
	dropped          uint64
	droppedReplay    uint64
	droppedInvalid   uint64
	droppedDeadline  uint64
	droppedQueueFull uint64
	droppedOutgoing  uint64
}

// Snapshot returns a copy of the pipeline counters.
func Snapshot() Counters {
	return Counters{
		Received:         atomic.LoadUint64(&counters.received),
		Processed:        atomic.LoadUint64(&counters.processed),
		Forwarded:        atomic.LoadUint64(&counters.forwarded),
		Terminal:         atomic.LoadUint64(&counters.terminal),
		Dropped:          atomic.LoadUint64(&counters.dropped),
		DroppedReplay:    atomic.LoadUint64(&counters.droppedReplay),
		DroppedInvalid:   atomic.LoadUint64(&counters.droppedInvalid),
		DroppedDeadline:  atomic.LoadUint64(&counters.droppedDeadline),
		DroppedQueueFull: atomic.LoadUint64(&counters.droppedQueueFull),
		DroppedOutgoing:  atomic.LoadUint64(&counters.droppedOutgoing),
	}
}

// Init registers the collectors, and if address is not empty, exposes them
// via HTTP for Prometheus to scrape.  Multiple calls are harmless, only the
// first takes effect.
func Init(address string) {
	initOnce.Do(func() {
		prometheus.MustRegister(incomingConns)
		prometheus.MustRegister(outgoingConns)
		prometheus.MustRegister(cancelledOutgoingConns)
		prometheus.MustRegister(ingressQueueSize)
		prometheus.MustRegister(mixQueueSize)
		prometheus.MustRegister(packetsReceived)
		prometheus.MustRegister(packetsProcessed)
		prometheus.MustRegister(packetsForwarded)
		prometheus.MustRegister(terminalPackets)
		prometheus.MustRegister(packetsDropped)
		prometheus.MustRegister(packetsReplayed)
		prometheus.MustRegister(invalidPacketsDropped)
		prometheus.MustRegister(deadlineBlownPacketsDropped)
		prometheus.MustRegister(mixPacketsDropped)
		prometheus.MustRegister(queueFullPacketsDropped)
		prometheus.MustRegister(outgoingPacketsDropped)
		prometheus.MustRegister(pkiDocs)
		prometheus.MustRegister(ignoredPKIDocs)
		prometheus.MustRegister(channelLength)

		if address == "" {
			return
		}

		// Expose registered metrics via HTTP.
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(address, mux)
	})
}

// Incoming increments the counter for incoming wire commands.
func Incoming(cmd wire.Command) {
	cmdStr := fmt.Sprintf("%T", cmd)
	incomingConns.With(prometheus.Labels{"command": cmdStr}).Inc()
}

// Outgoing increments the counter for established outgoing connections.
func Outgoing() {
	outgoingConns.Inc()
}

// CancelledOutgoing increments the counter for cancelled outgoing
// connection attempts.
func CancelledOutgoing() {
	cancelledOutgoingConns.Inc()
}

// IngressQueue observes the size of the ingress queue.
func IngressQueue(size uint8) {
	ingressQueueSize.Observe(float64(size))
}

// MixQueueSize observes the size of the mix queue.
func MixQueueSize(size uint64) {
	mixQueueSize.Observe(float64(size))
}

// PacketReceived increments the counter for packets accepted into the
// pipeline.
func PacketReceived() {
	atomic.AddUint64(&counters.received, 1)
	packetsReceived.Inc()
}

// PacketProcessed increments the counter for packets that made it through
// Sphinx unwrapping with a valid MAC and a fresh replay tag.
func PacketProcessed() {
	atomic.AddUint64(&counters.processed, 1)
	packetsProcessed.Inc()
}

// PacketForwarded increments the counter for packets handed off to the
// next hop.
func PacketForwarded() {
	atomic.AddUint64(&counters.forwarded, 1)
	packetsForwarded.Inc()
}

// TerminalPacket increments the counter for packets that named this node
// as the terminal hop.
func TerminalPacket() {
	atomic.AddUint64(&counters.terminal, 1)
	terminalPackets.Inc()
}

// PacketsDropped increments the counter for the total number of packets
// dropped, for any reason.
func PacketsDropped() {
	atomic.AddUint64(&counters.dropped, 1)
	packetsDropped.Inc()
}

// PacketsReplayed increments the counter for the number of replayed packets.
func PacketsReplayed() {
	atomic.AddUint64(&counters.droppedReplay, 1)
	packetsReplayed.Inc()
}

// InvalidPacketsDropped increments the counter for the number of invalid
// packets dropped.
func InvalidPacketsDropped() {
	atomic.AddUint64(&counters.droppedInvalid, 1)
	invalidPacketsDropped.Inc()
}

// DeadlineBlownPacketsDropped increments the counter for the number of
// packets dropped due to excessive dwell.
func DeadlineBlownPacketsDropped() {
	atomic.AddUint64(&counters.droppedDeadline, 1)
	deadlineBlownPacketsDropped.Inc()
}

// MixPacketsDropped increments the counter for the number of packets
// dropped by the mix queue, regardless of the reason.
func MixPacketsDropped() {
	mixPacketsDropped.Inc()
}

// QueueFullPacketsDropped increments the counter for the number of packets
// dropped because a queue would not accept them.
func QueueFullPacketsDropped() {
	atomic.AddUint64(&counters.droppedQueueFull, 1)
	queueFullPacketsDropped.Inc()
}

// OutgoingPacketsDropped increments the counter for the number of packets
// dropped by the outgoing workers.
func OutgoingPacketsDropped() {
	atomic.AddUint64(&counters.droppedOutgoing, 1)
	outgoingPacketsDropped.Inc()
}

// PKIDocs increments the counter for accepted topology documents.
func PKIDocs(epoch string) {
	pkiDocs.With(prometheus.Labels{"epoch": epoch}).Inc()
}

// IgnoredPKIDocs increments the counter for rejected topology documents.
func IgnoredPKIDocs() {
	ignoredPKIDocs.Inc()
}

// GaugeChannelLength records the length of an internal pipeline channel.
func GaugeChannelLength(c string, length int) {
	channelLength.With(prometheus.Labels{"channel": c}).Set(float64(length))
}
