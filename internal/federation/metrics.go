package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncUnitsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweft_sync_units_total",
		Help: "Total units stored from peer sync streams.",
	})

	fanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweft_fanout_deliveries_total",
		Help: "Total fanout inbox deliveries by target and outcome.",
	}, []string{"target", "outcome"})

	peersAdded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweft_peers_added_total",
		Help: "Total peers added through discovery.",
	})

	peersEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweft_peers_evicted_total",
		Help: "Total peers evicted to make room under the peer cap.",
	})
)
