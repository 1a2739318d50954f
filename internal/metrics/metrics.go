// Package metrics declares the prometheus collectors peerstored exposes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// StoreTotal counts accepted STORE requests, labeled by outcome.
	StoreTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "peerstore_store_total",
		Help: "Total STORE requests processed, labeled by result.",
	}, []string{"result"})

	// IterateTotal counts ITERATE requests issued.
	IterateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerstore_iterate_total",
		Help: "Total ITERATE requests processed.",
	})

	// WatchFanoutTotal counts WATCH_RECORD frames delivered to subscribers.
	WatchFanoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerstore_watch_fanout_total",
		Help: "Total WATCH_RECORD notifications delivered to subscribers.",
	})

	// ExpiredTotal counts records removed by the periodic expiry sweep.
	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "peerstore_expired_total",
		Help: "Total records deleted by the expiry sweeper.",
	})

	// ConnectedClients reports the current number of connected clients.
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerstore_connected_clients",
		Help: "Number of clients currently connected to the engine.",
	})

	// WatchersRegistered reports the current watcher-registry entry count.
	WatchersRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "peerstore_watchers_registered",
		Help: "Number of (digest, subscriber) entries held by the watcher registry.",
	})
)

// Register adds every collector to reg. Called once during engine startup;
// a nil reg registers against prometheus.DefaultRegisterer.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		StoreTotal, IterateTotal, WatchFanoutTotal, ExpiredTotal, ConnectedClients, WatchersRegistered,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
