package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectionsCreated counts connections opened by the connection manager, per scheme.
var ConnectionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "abrplay_connections_created_total",
	Help: "Connections created by the connection manager",
}, []string{"scheme"})

// ConnectionsReused counts pooled connections handed out again.
var ConnectionsReused = promauto.NewCounter(prometheus.CounterOpts{
	Name: "abrplay_connections_reused_total",
	Help: "Pooled connections reused for a new request",
})

// BytesDownloaded counts payload bytes read from chunks, per adaptation set.
var BytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "abrplay_bytes_downloaded_total",
	Help: "Chunk payload bytes downloaded",
}, []string{"adaptation_set"})

// RepresentationSwitches counts representation changes, per adaptation set.
var RepresentationSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "abrplay_representation_switches_total",
	Help: "Representation switches decided by the adaptation logic",
}, []string{"adaptation_set"})

// StreamRestarts counts demuxer restarts, per adaptation set and cause.
var StreamRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "abrplay_stream_restarts_total",
	Help: "Demuxer restarts after discontinuities, switches or seeks",
}, []string{"adaptation_set", "cause"})

// EstimatedBandwidth is the smoothed bandwidth estimate in bits per second.
var EstimatedBandwidth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "abrplay_estimated_bandwidth_bps",
	Help: "Smoothed download bandwidth estimate",
})

// SelectedBandwidth is the nominal bandwidth of the selected representation.
var SelectedBandwidth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "abrplay_selected_bandwidth_bps",
	Help: "Nominal bandwidth of the current representation",
}, []string{"adaptation_set"})

// BufferingLevel is the buffered media ahead of playback, in seconds.
var BufferingLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "abrplay_buffering_level_seconds",
	Help: "Demuxed media buffered ahead of the output",
}, []string{"adaptation_set"})
