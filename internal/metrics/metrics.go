// Package metrics holds the fabric's domain-specific Prometheus metrics:
// one struct of pre-registered vectors built from
// pkg/monitoring.MetricsCollector's New* constructors and handed to the
// collaborators that populate it, rather than each package touching the
// default Prometheus registry directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the fabric's custom metric set, distinct from the generic
// HTTP/process metrics pkg/monitoring.MetricsCollector already exposes.
type Metrics struct {
	SpaceConnections *prometheus.GaugeVec
	SpacesActive     prometheus.Gauge

	ChatProcessed *prometheus.GaugeVec
	ChatRetries   prometheus.Gauge

	MediaActiveStreams  *prometheus.GaugeVec
	MediaSignalsRelayed prometheus.Gauge

	InviteOutcomes *prometheus.CounterVec
}

// Collector is the subset of pkg/monitoring.MetricsCollector this package
// depends on, kept narrow so internal/metrics never imports pkg/monitoring's
// HTTP-serving concerns.
type Collector interface {
	NewGauge(name, help string, labels []string) *prometheus.GaugeVec
	NewCounter(name, help string, labels []string) *prometheus.CounterVec
}

// New builds the fabric's metric set against the given collector.
func New(mc Collector) *Metrics {
	m := &Metrics{
		SpaceConnections:   mc.NewGauge("space_connections", "Subscribers currently attached to a space", []string{"space_id"}),
		ChatProcessed:      mc.NewGauge("chat_messages", "Chat pipeline message counters by outcome", []string{"outcome"}),
		MediaActiveStreams: mc.NewGauge("media_active_streams", "Media registry counters: streams started per kind (audio/video/screen), active_total, peer_connections, webrtc_signal", []string{"kind"}),
		InviteOutcomes:     mc.NewCounter("invite_outcomes_total", "Invite operations by outcome", []string{"operation", "outcome"}),
	}
	m.SpacesActive = m.SpaceConnections.WithLabelValues("_total")
	m.ChatRetries = m.ChatProcessed.WithLabelValues("retried")
	m.MediaSignalsRelayed = m.MediaActiveStreams.WithLabelValues("webrtc_signal")
	return m
}

// ChatStats is the subset of chat.Stats this package reads, kept as a
// local type so internal/metrics never imports internal/chat — the wiring
// in cmd/metaversed supplies the values directly.
type ChatStats struct {
	TotalProcessed int64
	Successful     int64
	Failed         int64
	Retries        int64
}

// ObserveChat refreshes the chat gauges from a point-in-time Stats snapshot.
func (m *Metrics) ObserveChat(s ChatStats) {
	m.ChatProcessed.WithLabelValues("total").Set(float64(s.TotalProcessed))
	m.ChatProcessed.WithLabelValues("successful").Set(float64(s.Successful))
	m.ChatProcessed.WithLabelValues("failed").Set(float64(s.Failed))
	m.ChatProcessed.WithLabelValues("retried").Set(float64(s.Retries))
}

// MediaStats is the subset of media.Stats this package reads.
type MediaStats struct {
	TotalAudioStreams    int
	TotalVideoStreams    int
	TotalScreenStreams   int
	ActiveStreams        int
	TotalPeerConnections int
	WebRTCSignalsRelayed int
}

// ObserveMedia refreshes the media gauges from a point-in-time Stats snapshot.
func (m *Metrics) ObserveMedia(s MediaStats) {
	m.MediaActiveStreams.WithLabelValues("audio").Set(float64(s.TotalAudioStreams))
	m.MediaActiveStreams.WithLabelValues("video").Set(float64(s.TotalVideoStreams))
	m.MediaActiveStreams.WithLabelValues("screen").Set(float64(s.TotalScreenStreams))
	m.MediaActiveStreams.WithLabelValues("active_total").Set(float64(s.ActiveStreams))
	m.MediaActiveStreams.WithLabelValues("peer_connections").Set(float64(s.TotalPeerConnections))
	m.MediaActiveStreams.WithLabelValues("webrtc_signal").Set(float64(s.WebRTCSignalsRelayed))
}

// RecordInviteOutcome increments the counter for one invite operation's
// terminal outcome ("sent"/"failed", "accepted"/"already_member"/"failed", ...).
func (m *Metrics) RecordInviteOutcome(operation, outcome string) {
	m.InviteOutcomes.WithLabelValues(operation, outcome).Inc()
}

// SetSpaceConnections records the live subscriber count for one space.
func (m *Metrics) SetSpaceConnections(spaceID string, count int) {
	m.SpaceConnections.WithLabelValues(spaceID).Set(float64(count))
}
