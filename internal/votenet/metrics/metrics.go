package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "votenet"
)

var (
	// Vote metrics
	VotesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_accepted_total",
		Help:      "Total number of vote submissions accepted for consensus",
	})

	VotesFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_finalized_total",
		Help:      "Total number of votes finalized with quorum",
	})

	VotesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "votes_rejected_total",
		Help:      "Total number of vote submissions rejected",
	}, []string{"reason"})

	ProposalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proposals_pending",
		Help:      "Number of proposals currently awaiting quorum",
	})

	// Consensus metrics
	ConsensusRoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_started_total",
		Help:      "Total number of consensus rounds started",
	})

	ConsensusRoundsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_failed_total",
		Help:      "Total number of consensus rounds that timed out or failed",
	})

	// Election metrics
	CurrentTerm = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "election_term",
		Help:      "Current election term observed by this node",
	})

	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "election_is_leader",
		Help:      "Whether this node is the leader (1) or not (0)",
	})

	ElectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "elections_started_total",
		Help:      "Total number of elections this node has started",
	})

	// Cluster metrics
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Number of live peers observed in the node directory",
	})

	// Clock sync metrics
	ClockOffsetSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clock_offset_seconds",
		Help:      "Current clock correction offset applied by this node",
	})

	ClockSyncAge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clock_sync_age_seconds",
		Help:      "Seconds since the last processed time broadcast",
	})

	// Bus metrics
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_processed_total",
		Help:      "Total number of bus messages dispatched to handlers",
	})

	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_dropped_total",
		Help:      "Total number of bus messages dropped (self-sent, unknown type, decode error)",
	})

	// Store metrics
	StoreErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Total number of shared store operation failures",
	})
)
