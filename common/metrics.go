// Copyright 2022 The cruisecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collectors describing the streaming sessions.
//
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	activeSessions *prometheus.GaugeVec
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	broadcastTicks prometheus.Counter
	upstreamErrors *prometheus.CounterVec
}

// NewMetrics define the metrics collectors and register them with the registerer
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cruisecast_active_sessions",
			Help: "Active downstream stream sessions.",
		}, []string{"mode"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisecast_frames_sent_total",
			Help: "Frames written to downstream subscribers.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisecast_frames_dropped_total",
			Help: "Frames dropped before reaching a downstream subscriber.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisecast_registry_evictions_total",
			Help: "Connection handles evicted from the registry.",
		}, []string{"reason"}),
		broadcastTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cruisecast_broadcast_ticks_total",
			Help: "Broadcast scheduler ticks which delivered content.",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cruisecast_upstream_errors_total",
			Help: "Upstream stream failures.",
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{
		m.activeSessions, m.framesSent, m.framesDropped, m.evictions, m.broadcastTicks,
		m.upstreamErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SessionOpened record a new session
func (m *Metrics) SessionOpened(mode string) {
	if m != nil {
		m.activeSessions.WithLabelValues(mode).Inc()
	}
}

// SessionClosed record a session ending
func (m *Metrics) SessionClosed(mode string) {
	if m != nil {
		m.activeSessions.WithLabelValues(mode).Dec()
	}
}

// FrameSent record a frame written downstream
func (m *Metrics) FrameSent(kind EventKind) {
	if m != nil {
		m.framesSent.WithLabelValues(string(kind)).Inc()
	}
}

// FrameDropped record a frame which was not delivered
func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

// Evicted record a registry eviction
func (m *Metrics) Evicted(reason string) {
	if m != nil {
		m.evictions.WithLabelValues(reason).Inc()
	}
}

// BroadcastTick record a broadcast which delivered content
func (m *Metrics) BroadcastTick() {
	if m != nil {
		m.broadcastTicks.Inc()
	}
}

// UpstreamError record an upstream failure
func (m *Metrics) UpstreamError(stage string) {
	if m != nil {
		m.upstreamErrors.WithLabelValues(stage).Inc()
	}
}
