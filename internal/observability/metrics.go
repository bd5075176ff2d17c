package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "swiftcab", Name: "claims_total", Help: "Ride claim attempts by outcome"},
		[]string{"result"},
	)
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "swiftcab", Name: "offers_total", Help: "Ride offer resolutions by status"},
		[]string{"status"},
	)
	FeedPushesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "swiftcab", Name: "feed_pushes_total", Help: "Ride feed pushes delivered to drivers"})
	RidesCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "swiftcab", Name: "rides_created_total", Help: "Rides created"})
	ConnectedUsers  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "swiftcab", Name: "connected_users", Help: "Users with at least one live WebSocket session"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "swiftcab", Name: "drivers_online", Help: "Drivers currently online in the registry"})
)
