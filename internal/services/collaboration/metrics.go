package collaboration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "instdocs_active_sessions",
		Help: "Open websocket sessions",
	})
	watchedBranches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "instdocs_watched_branches",
		Help: "Branches with at least one watcher on this instance",
	})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instdocs_messages_received_total",
		Help: "Protocol messages received by type",
	}, []string{"type"})
	updatesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "instdocs_updates_stored_total",
		Help: "Branch updates stored",
	})
	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instdocs_requests_rejected_total",
		Help: "Requests answered with an error, by error code",
	}, []string{"code"})
	fanoutMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "instdocs_fanout_messages_total",
		Help: "Messages exchanged with other instances, by direction",
	}, []string{"direction"})
)
