package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavel_bids_accepted_total",
		Help: "Number of bids committed.",
	})

	BidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gavel_bids_rejected_total",
		Help: "Number of bids refused, by reason.",
	}, []string{"reason"})

	BidConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavel_bid_conflicts_total",
		Help: "Number of optimistic-concurrency collisions during bid commits.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gavel_auction_transitions_total",
		Help: "Number of lifecycle transitions applied, by resulting status.",
	}, []string{"status"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gavel_realtime_connections",
		Help: "Currently connected realtime clients.",
	})

	DroppedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gavel_realtime_dropped_events_total",
		Help: "Events dropped because a subscriber could not keep up.",
	})
)
