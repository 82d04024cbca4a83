// Package metrics exposes Prometheus instrumentation for the collaboration
// server. All collectors live on a package registry so tests can scrape
// without touching the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = newRegistry()
	factory  = promauto.With(registry)

	// ActiveRooms tracks rooms with a running event loop
	ActiveRooms = factory.NewGauge(prometheus.GaugeOpts{
		Name: "syncboard_rooms_active",
		Help: "Number of diagram rooms currently active",
	})

	// ActiveConnections tracks registered WebSocket clients across all rooms
	ActiveConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "syncboard_connections_active",
		Help: "Number of WebSocket connections currently registered",
	})

	// MessagesReceived counts inbound client messages by message type
	MessagesReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "syncboard_messages_received_total",
		Help: "Inbound WebSocket messages processed, by message type",
	}, []string{"type"})

	// MessagesSent counts outbound messages by message type
	MessagesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "syncboard_messages_sent_total",
		Help: "Outbound WebSocket messages delivered, by message type",
	}, []string{"type"})

	// LockGrants counts granted element lock requests
	LockGrants = factory.NewCounter(prometheus.CounterOpts{
		Name: "syncboard_lock_grants_total",
		Help: "Element lock requests granted",
	})

	// LockDenials counts denied element lock requests
	LockDenials = factory.NewCounter(prometheus.CounterOpts{
		Name: "syncboard_lock_denials_total",
		Help: "Element lock requests denied because another user held the lock",
	})

	// ForcedReleases counts locks released on holder departure or expiry
	ForcedReleases = factory.NewCounter(prometheus.CounterOpts{
		Name: "syncboard_lock_forced_releases_total",
		Help: "Element locks released without an explicit unlock from the holder",
	})

	// ClientEvictions counts clients dropped for full send buffers
	ClientEvictions = factory.NewCounter(prometheus.CounterOpts{
		Name: "syncboard_client_evictions_total",
		Help: "Clients evicted because their send buffer overflowed",
	})

	// Resyncs counts snapshot resynchronization requests served
	Resyncs = factory.NewCounter(prometheus.CounterOpts{
		Name: "syncboard_resyncs_total",
		Help: "Snapshot resync requests served to reconnecting clients",
	})

	// BroadcastDuration observes time spent fanning one message out to a room
	BroadcastDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncboard_broadcast_duration_seconds",
		Help:    "Time to fan a message out to all clients in a room",
		Buckets: prometheus.ExponentialBuckets(0.00001, 10, 8),
	})
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Handler returns the HTTP handler serving the package registry
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the package registry for test scraping
func Registry() *prometheus.Registry {
	return registry
}
