package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwidget_room_writes_total",
			Help: "Child writes handled by the room service",
		},
		[]string{"outcome"}, // "ok" | "conflict" | "error"
	)

	fetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwidget_room_fetches_total",
			Help: "Collection fetches handled by the room service",
		},
	)

	activeSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwidget_room_active_subscriptions",
			Help: "Websocket subscriptions currently attached",
		},
	)

	expiredDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwidget_room_expired_dropped_total",
			Help: "Entries dropped because their expiry elapsed",
		},
	)
)
