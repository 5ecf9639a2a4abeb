// instrument.go - prometheus instrumentation.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the prometheus counters shared by the kernel
// and the transport layers.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tinyos"

var (
	ticks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_ticks_total",
			Help:      "Number of clock ticks processed",
		},
	)
	contextSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_switches_total",
			Help:      "Number of thread context switches",
		},
	)
	threadsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_reaped_total",
			Help:      "Number of terminated threads reclaimed by the reaper",
		},
	)
	alarmsFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarms_fired_total",
			Help:      "Number of alarms fired by the clock tick handler",
		},
	)
	packetsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_packets_total",
			Help:      "Number of inbound packets dropped",
		},
	)
	retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_retransmissions_total",
			Help:      "Number of stream packet retransmissions",
		},
	)
	streamsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Number of stream sockets that completed the handshake",
		},
	)
	streamsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Number of stream sockets released",
		},
	)
)

func init() {
	prometheus.MustRegister(ticks)
	prometheus.MustRegister(contextSwitches)
	prometheus.MustRegister(threadsReaped)
	prometheus.MustRegister(alarmsFired)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(retransmissions)
	prometheus.MustRegister(streamsOpened)
	prometheus.MustRegister(streamsClosed)
}

// Tick increments the clock tick counter.
func Tick() {
	ticks.Inc()
}

// ContextSwitch increments the context switch counter.
func ContextSwitch() {
	contextSwitches.Inc()
}

// ThreadReaped increments the reaped thread counter.
func ThreadReaped() {
	threadsReaped.Inc()
}

// AlarmFired increments the fired alarm counter.
func AlarmFired() {
	alarmsFired.Inc()
}

// PacketsDropped increments the dropped packet counter.
func PacketsDropped() {
	packetsDropped.Inc()
}

// Retransmission increments the stream retransmission counter.
func Retransmission() {
	retransmissions.Inc()
}

// StreamOpened increments the opened stream counter.
func StreamOpened() {
	streamsOpened.Inc()
}

// StreamClosed increments the released stream counter.
func StreamClosed() {
	streamsClosed.Inc()
}

// Handler returns the metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
