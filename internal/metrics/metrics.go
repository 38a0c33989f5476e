// Package metrics holds the Prometheus collectors shared by the core components.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MatchesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_matchmaking_matches_created_total",
		Help: "Matches funded by the matchmaker.",
	})
	QueueExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_matchmaking_queue_expired_total",
		Help: "Queue entries expired before a peer was found.",
	})
	PairingAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_matchmaking_pairing_aborted_total",
		Help: "Pairing attempts rolled back, by cause.",
	}, []string{"cause"})

	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_lifecycle_transitions_total",
		Help: "Match status transitions applied by the lifecycle sweep.",
	}, []string{"from", "to"})
	LifecycleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_lifecycle_errors_total",
		Help: "Per-match errors contained by the lifecycle sweep.",
	})

	ConsensusReached = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_consensus_reached_total",
		Help: "Outcomes accepted, by verification mode.",
	}, []string{"mode"})
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_consensus_submissions_total",
		Help: "Stat submissions, by whether they verified automatically.",
	}, []string{"verified"})

	Settlements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_settlements_total",
		Help: "Settlements, by outcome.",
	}, []string{"outcome"})
	RailFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_payout_rail_failures_total",
		Help: "Payout rail attempts that fell back to ledger credit.",
	})
)

func init() {
	prometheus.MustRegister(
		MatchesCreated, QueueExpired, PairingAborted,
		Transitions, LifecycleErrors,
		ConsensusReached, Submissions,
		Settlements, RailFailures,
	)
}

// Handler exposes the default registry on a gin route.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
