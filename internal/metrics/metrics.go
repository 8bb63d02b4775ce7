// Package metrics exposes the relay's operational counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesForwarded counts signaling messages delivered to a
	// destination channel.
	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "messages_forwarded_total",
		Help:      "Signaling messages forwarded to a destination channel.",
	})

	// MessagesDropped counts messages dropped by the router, by reason.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "messages_dropped_total",
		Help:      "Signaling messages dropped instead of forwarded.",
	}, []string{"reason"})

	// PingsSent counts pings issued by the reaper and the keepalive job.
	PingsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "pings_sent_total",
		Help:      "Pings sent to channels by scheduled jobs.",
	}, []string{"job"})

	// ConnectionsReaped counts connections removed by the liveness prober.
	ConnectionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "connections_reaped_total",
		Help:      "Connections confirmed dead and removed.",
	})

	// PresenceSwept counts presence entries removed, orphans included.
	PresenceSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "presence_swept_total",
		Help:      "Presence entries removed by cleanup or the orphan sweep.",
	})

	// CleanupErrors counts partial-cleanup failures.
	CleanupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robolink",
		Name:      "cleanup_errors_total",
		Help:      "Failed deletions during reap cleanup.",
	})
)
